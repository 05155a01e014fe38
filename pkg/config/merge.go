package config

// CoalesceString returns cliValue if non-empty, otherwise resolvedValue
func CoalesceString(cliValue, resolvedValue string) string {
	if cliValue != "" {
		return cliValue
	}
	return resolvedValue
}
