// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collectorsrv

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// ValidateStageData checks submitted data against the stage's renderer
// config and returns one message per problem.
//
// # Description
//
// Questionnaires list config.questions, each {id, required (default true),
// validation, validation_message}. User info stages list config.fields,
// each {field, required (default true)}. Participant identity stages list
// config.fields with {field, enabled (default true), required (default
// false), validation}; a required identity field must be non-blank.
// A validation pattern must match at the start of the value's string form.
// Other stage types accept any data.
func ValidateStageData(t datatypes.StageType, config map[string]any, data map[string]any) []string {
	var errs []string
	switch t {
	case datatypes.StageQuestionnaire:
		for _, q := range items(config, "questions") {
			id, _ := q["id"].(string)
			if id == "" {
				continue
			}
			if flag(q, "required", true) && !has(data, id) {
				errs = append(errs, "Required field missing: "+id)
			}
			errs = appendPattern(errs, q, id, data)
		}
	case datatypes.StageUserInfo:
		for _, f := range items(config, "fields") {
			id, _ := f["field"].(string)
			if id == "" {
				continue
			}
			if flag(f, "required", true) && !has(data, id) {
				errs = append(errs, "Required field missing: "+id)
			}
		}
	case datatypes.StageParticipantIdentity:
		for _, f := range items(config, "fields") {
			id, _ := f["field"].(string)
			if id == "" || !flag(f, "enabled", true) {
				continue
			}
			if flag(f, "required", false) && blank(data[id]) {
				errs = append(errs, "Required field missing: "+id)
			}
			if !blank(data[id]) {
				errs = appendPattern(errs, f, id, data)
			}
		}
	}
	return errs
}

func appendPattern(errs []string, spec map[string]any, id string, data map[string]any) []string {
	pattern, _ := spec["validation"].(string)
	if pattern == "" || !has(data, id) {
		return errs
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return append(errs, fmt.Sprintf("Invalid validation pattern for %s", id))
	}
	if !re.MatchString(fmt.Sprint(data[id])) {
		msg, _ := spec["validation_message"].(string)
		if msg == "" {
			msg = "Invalid format"
		}
		errs = append(errs, fmt.Sprintf("Validation failed for %s: %s", id, msg))
	}
	return errs
}

func items(config map[string]any, key string) []map[string]any {
	raw, _ := config[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func flag(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func has(data map[string]any, id string) bool {
	_, ok := data[id]
	return ok
}

func blank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case bool:
		return !x
	}
	return false
}
