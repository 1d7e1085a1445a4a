package install

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
)

type presetRule struct {
	pattern string
	enable  bool
}

type presetRules []presetRule

// enabled applies the first matching rule. Units matching no rule are
// enabled.
func (r presetRules) enabled(name string) bool {
	for _, rule := range r {
		if ok, _ := filepath.Match(rule.pattern, name); ok {
			return rule.enable
		}
	}
	return true
}

// loadPresets reads *.preset files of scope. A file name in an earlier
// directory shadows the same name later on; rules are applied in file
// name order.
func (i *Installer) loadPresets(scope Scope) (presetRules, error) {
	files := make(map[string]string)
	for _, dir := range i.lookup(scope).preset {
		entries, err := os.ReadDir(i.abs(dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Annotatef(err, "reading %s", dir)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".preset") {
				continue
			}
			if _, ok := files[e.Name()]; !ok {
				files[e.Name()] = i.abs(filepath.Join(dir, e.Name()))
			}
		}
	}

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var rules presetRules
	for _, n := range names {
		r, err := parsePresetFile(files[n])
		if err != nil {
			return nil, err
		}
		rules = append(rules, r...)
	}
	return rules, nil
}

func parsePresetFile(path string) (presetRules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	defer f.Close()

	var rules presetRules
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		verb, pattern, ok := strings.Cut(text, " ")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return nil, errors.NotValidf("%s:%d: preset line %q", path, line, text)
		}
		switch verb {
		case "enable":
			rules = append(rules, presetRule{pattern: pattern, enable: true})
		case "disable":
			rules = append(rules, presetRule{pattern: pattern, enable: false})
		default:
			return nil, errors.NotValidf("%s:%d: preset verb %q", path, line, verb)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	return rules, nil
}
