package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard asks for the handful of settings a first run needs
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and printing prompts to out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the prompts and returns the resulting config
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== docsync setup ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	provider, err := w.ask("Embedding provider (openai/hash)", cfg.Embedding.Provider, validator.ValidateEmbeddingProvider)
	if err != nil {
		return nil, err
	}
	cfg.Embedding.Provider = provider

	if provider == "openai" {
		key, err := w.ask("OpenAI API key", "", validator.ValidateAPIKey)
		if err != nil {
			return nil, err
		}
		cfg.Embedding.APIKey = key

		model, err := w.ask("Embedding model", cfg.Embedding.Model, nil)
		if err != nil {
			return nil, err
		}
		cfg.Embedding.Model = model
	}

	backend, err := w.ask("Vector store backend (sqlite/hnsw)", cfg.VectorStore.Backend, validator.ValidateVectorBackend)
	if err != nil {
		return nil, err
	}
	cfg.VectorStore.Backend = backend

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level, validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = level

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete! Add folders with: docsync folders add <path>")

	return cfg, nil
}

// ask prompts until the answer passes validate. An empty answer takes def
// when def is non-empty.
func (w *Wizard) ask(prompt, def string, validate func(string) error) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
		} else {
			fmt.Fprintf(w.out, "%s: ", prompt)
		}

		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			answer = def
		}
		if answer == "" {
			fmt.Fprintln(w.out, "Error: a value is required")
			continue
		}
		if validate != nil {
			if err := validate(answer); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
		}
		return answer, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
