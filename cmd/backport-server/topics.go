package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ehr/backport/internal/domain/topic"
)

// parseTopicFile reads SubscriptionTopics from YAML or JSON. The document may
// be a list of topics, a single topic or a Bundle of topics.
func parseTopicFile(data []byte) ([]*topic.Topic, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topic file: %w", err)
	}

	var items []interface{}
	switch v := doc.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if v["resourceType"] == "Bundle" {
			entries, _ := v["entry"].([]interface{})
			for _, e := range entries {
				if entry, ok := e.(map[string]interface{}); ok && entry["resource"] != nil {
					items = append(items, entry["resource"])
				}
			}
		} else {
			items = []interface{}{v}
		}
	case nil:
		return nil, errors.New("topic file is empty")
	default:
		return nil, fmt.Errorf("topic file must hold a list of SubscriptionTopics, got %T", doc)
	}
	if len(items) == 0 {
		return nil, errors.New("topic file holds no SubscriptionTopics")
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode topics: %w", err)
	}
	var topics []*topic.Topic
	if err := json.Unmarshal(raw, &topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	return topics, nil
}
