package llm

import (
	"strings"
	"unicode/utf8"
)

// BaseSystemPrompt frames every processing request.
const BaseSystemPrompt = "Ты - помощник для анализа и обработки текстовых данных.\n" +
	"Твоя задача - внимательно анализировать предоставленные данные и выполнять указанные инструкции."

// DefaultTask is used when a request names no task.
const DefaultTask = "Обработай предоставленные данные и представь результат в структурированном виде."

// MinContextTokens is the smallest num_ctx sent to the runtime.
const MinContextTokens = 8192

// SystemPrompt returns custom when set, otherwise the base prompt with the
// instructions appended.
func SystemPrompt(custom, instructions string) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		return custom
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		return BaseSystemPrompt + "\n\nИнструкции:\n" + instructions
	}
	return BaseSystemPrompt
}

// UserPrompt wraps the input data and the task.
func UserPrompt(input, task string) string {
	if strings.TrimSpace(task) == "" {
		task = DefaultTask
	}
	if strings.TrimSpace(input) == "" {
		return "Задача: " + task
	}
	return "Данные для обработки:\n" + input + "\n\nЗадача: " + task
}

// ContextSize estimates num_ctx from the combined prompt length: one token
// per four characters plus half again for the reply, never below
// MinContextTokens.
func ContextSize(system, user string) int {
	chars := utf8.RuneCountInString(system) + utf8.RuneCountInString(user) + 2
	estimate := chars * 3 / 8
	return max(estimate, MinContextTokens)
}

// GenerationOptions returns the runtime options for one request.
func GenerationOptions(system, user string) map[string]any {
	return map[string]any{
		"num_predict": -1,
		"num_ctx":     ContextSize(system, user),
	}
}
