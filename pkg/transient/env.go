package transient

import "os"

// Environment returns the unit environment: the explicit overrides in
// order, then NAME=value for every name in inherit that lookup finds.
// Names already set by an override are not inherited again.
func Environment(overrides, inherit []string, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := make([]string, 0, len(overrides)+len(inherit))
	set := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		env = append(env, kv)
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				set[kv[:i]] = true
				break
			}
		}
	}
	for _, name := range inherit {
		if name == "" || set[name] {
			continue
		}
		if v, ok := lookup(name); ok {
			env = append(env, name+"="+v)
			set[name] = true
		}
	}
	return env
}
