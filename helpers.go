// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package kbflow

import (
	"slices"
	"strings"
)

// AreModalitiesCompatible reports whether the caller's accepted output
// modes intersect the agent's supported content types. An empty accepted
// list means the caller takes anything.
func AreModalitiesCompatible(accepted, supported []string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, mode := range accepted {
		if slices.ContainsFunc(supported, func(s string) bool {
			return strings.EqualFold(s, mode)
		}) {
			return true
		}
	}
	return false
}

// TrimHistory returns a copy of the task with its history reduced to the
// last historyLength messages. Zero or negative means no history at all:
// callers that did not ask for history do not get it.
func TrimHistory(task *Task, historyLength int) *Task {
	if task == nil {
		return nil
	}
	trimmed := *task
	if historyLength <= 0 {
		trimmed.History = nil
		return &trimmed
	}
	if len(task.History) > historyLength {
		trimmed.History = slices.Clone(task.History[len(task.History)-historyLength:])
	} else {
		trimmed.History = slices.Clone(task.History)
	}
	return &trimmed
}

// NewAgentTextMessage builds an agent message holding a single text part.
func NewAgentTextMessage(text string) *Message {
	return &Message{
		Role:  RoleAgent,
		Parts: []Part{NewTextPart(text)},
	}
}

// NewAnswerParts builds the content parts for an answer: the answer text,
// plus a structured references part when the backend supplied reference
// chunks.
func NewAnswerParts(content string, references map[string]any) []Part {
	parts := []Part{NewTextPart(content)}
	if hasReferenceChunks(references) {
		parts = append(parts, NewDataPart(map[string]any{"references": references}))
	}
	return parts
}

// hasReferenceChunks reports whether a references payload actually carries
// chunks; the backend sends an empty object when there are none.
func hasReferenceChunks(references map[string]any) bool {
	if len(references) == 0 {
		return false
	}
	chunks, ok := references["chunks"]
	if !ok {
		return false
	}
	if list, ok := chunks.([]any); ok {
		return len(list) > 0
	}
	return chunks != nil
}
