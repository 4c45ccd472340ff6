package router

import "strings"

// Match returns true if routingKey matches the topic pattern. Both are
// sequences of words separated by '.'. In the pattern, '*' substitutes
// exactly one word and '#' zero or more words.
func Match(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

// MatchAny returns true if routingKey matches at least one of the patterns.
func MatchAny(patterns []string, routingKey string) bool {
	for _, pattern := range patterns {
		if Match(pattern, routingKey) {
			return true
		}
	}
	return false
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
