package memstore

import (
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/errors"

	"github.com/axondata/go-unitmgr"
)

// propertySections places unit-level properties; everything else is
// written to the kind-specific section.
var propertySections = map[string]string{
	"Description":         "Unit",
	"Documentation":       "Unit",
	"Wants":               "Unit",
	"Requires":            "Unit",
	"BindsTo":             "Unit",
	"Requisite":           "Unit",
	"Conflicts":           "Unit",
	"Before":              "Unit",
	"After":               "Unit",
	"PartOf":              "Unit",
	"OnFailure":           "Unit",
	"DefaultDependencies": "Unit",
	"StopWhenUnneeded":    "Unit",
	"RefuseManualStart":   "Unit",
	"RefuseManualStop":    "Unit",
	"AllowIsolate":        "Unit",
	"CollectMode":         "Unit",
}

// propertyOptions converts a D-Bus property assignment into unit
// options. PIDs are returned separately since they are runtime state.
func propertyOptions(section string, p sddbus.Property) ([]*sdunit.UnitOption, []int, error) {
	if p.Name == "" {
		return nil, nil, errors.NotValidf("empty property name")
	}
	if s, ok := propertySections[p.Name]; ok {
		section = s
	}

	v := p.Value.Value()
	switch p.Name {
	case "ExecStart", "ExecStartPre", "ExecStartPost", "ExecReload", "ExecStop", "ExecStopPost":
		lines, err := execLines(v)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "property %s", p.Name)
		}
		opts := make([]*sdunit.UnitOption, 0, len(lines))
		for _, l := range lines {
			opts = append(opts, sdunit.NewUnitOption(section, p.Name, l))
		}
		return opts, nil, nil
	case "PIDs":
		pids, ok := v.([]uint32)
		if !ok {
			return nil, nil, errors.NotValidf("property PIDs of type %T", v)
		}
		out := make([]int, 0, len(pids))
		for _, pid := range pids {
			if pid == 0 {
				return nil, nil, errors.NotValidf("PID 0")
			}
			out = append(out, int(pid))
		}
		return nil, out, nil
	}

	value, err := formatValue(v)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "property %s", p.Name)
	}
	return []*sdunit.UnitOption{sdunit.NewUnitOption(section, p.Name, value)}, nil, nil
}

func formatValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "yes", nil
		}
		return "no", nil
	case []string:
		return strings.Join(t, " "), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	}
	return "", errors.NotValidf("value of type %T", v)
}

// execLines reads the a(sasb) command list built by sddbus.PropExecStart
// and friends. The element type is unexported there, so the fields are
// read by name.
func execLines(v interface{}) ([]string, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, errors.NotValidf("command list of type %T", v)
	}

	lines := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		e := reflect.Indirect(rv.Index(i))
		if e.Kind() == reflect.Interface {
			e = reflect.Indirect(e.Elem())
		}

		var (
			path    string
			args    []string
			unclean bool
		)
		switch e.Kind() {
		case reflect.Struct:
			if f := e.FieldByName("Path"); f.IsValid() && f.Kind() == reflect.String {
				path = f.String()
			}
			if f := e.FieldByName("Args"); f.IsValid() && f.Kind() == reflect.Slice {
				for j := 0; j < f.Len(); j++ {
					args = append(args, f.Index(j).String())
				}
			}
			if f := e.FieldByName("UncleanIsFailure"); f.IsValid() && f.Kind() == reflect.Bool {
				unclean = f.Bool()
			}
		case reflect.Slice:
			// godbus decodes structs received off the wire as []interface{}
			if e.Len() != 3 {
				return nil, errors.NotValidf("command entry of length %d", e.Len())
			}
			p, ok1 := e.Index(0).Interface().(string)
			a, ok2 := e.Index(1).Interface().([]string)
			u, ok3 := e.Index(2).Interface().(bool)
			if !ok1 || !ok2 || !ok3 {
				return nil, errors.NotValidf("command entry %v", e.Interface())
			}
			path, args, unclean = p, a, u
		default:
			return nil, errors.NotValidf("command entry of type %s", e.Type())
		}

		if !strings.HasPrefix(path, "/") {
			return nil, errors.NotValidf("command path %q", path)
		}
		if len(args) == 0 {
			args = []string{path}
		}
		line := ""
		if !unclean {
			line = "-"
		}
		if args[0] != path && args[0] != filepath.Base(path) {
			line += "@" + path + " " + strings.Join(args, " ")
		} else {
			line += path
			if len(args) > 1 {
				line += " " + strings.Join(args[1:], " ")
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// kindSection returns the kind-specific section name, e.g. "Service"
func kindSection(kind unitmgr.UnitKind) string {
	if kind == unitmgr.KindUnknown {
		return "Unit"
	}
	s := kind.String()
	return strings.ToUpper(s[:1]) + s[1:]
}
