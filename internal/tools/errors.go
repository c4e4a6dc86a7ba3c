package tools

import "fmt"

func errUnknownTool(name string) error {
	return fmt.Errorf("unknown tool %q", name)
}

func errCapabilityDenied(capability string) error {
	return fmt.Errorf("policy denied capability %q", capability)
}

func argString(args map[string]any, key string) (string, bool) {
	v, exists := args[key]
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argInt(args map[string]any, key string, def int) int {
	v, exists := args[key]
	if !exists {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}
