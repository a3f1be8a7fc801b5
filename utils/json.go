package utils

import "strings"

// ExtractJSON strips markdown fences and surrounding prose from a model
// response, returning the innermost JSON object or array. Models routinely
// wrap JSON in ```json blocks despite instructions not to.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// Whichever bracket opens first delimits the payload; an array response
	// contains objects, so object-first order would truncate it.
	start, closer := strings.Index(response, "{"), "}"
	if arr := strings.Index(response, "["); arr != -1 && (start == -1 || arr < start) {
		start, closer = arr, "]"
	}
	if start != -1 {
		if end := strings.LastIndex(response, closer); end > start {
			return response[start : end+1]
		}
	}
	return response
}
