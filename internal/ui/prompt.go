package ui

import (
	"github.com/manifoldco/promptui"

	"mediaenhancer/internal/fetch"
)

// Prompter asks the user for a line of input.
type Prompter interface {
	PromptForString(label, defaultValue string, validate func(string) error) (string, error)
}

// TerminalPrompter prompts on the terminal with promptui.
type TerminalPrompter struct{}

func (TerminalPrompter) PromptForString(label, defaultValue string, validate func(string) error) (string, error) {
	prompt := promptui.Prompt{
		Label:   label,
		Default: defaultValue,
	}
	if validate != nil {
		prompt.Validate = promptui.ValidateFunc(validate)
	}
	return prompt.Run()
}

// URLPromptLabel is the label of the video URL prompt.
const URLPromptLabel = "🔗 Video URL"

// PromptForURL asks for the URL of the video to enhance.
func PromptForURL(p Prompter) (string, error) {
	return p.PromptForString(URLPromptLabel, "", fetch.ValidateURL)
}
