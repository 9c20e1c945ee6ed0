package engine

import "strings"

// wildcardMatcher implements store.TopicMatcher for RetainedStore.Match,
// using the same level-by-level '+'/'#' semantics as topic/trie.go's
// live subscription matching.
type wildcardMatcher struct{}

func (wildcardMatcher) Match(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
