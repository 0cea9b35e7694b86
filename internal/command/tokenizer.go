// internal/command/tokenizer.go
package command

import (
	"strings"
	"unicode"
)

// Invocation is a parsed slash command.
type Invocation struct {
	Name string
	Args []string
}

// IsCommand reports whether text is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

type lexState int

const (
	stateNormal lexState = iota
	stateSingleQuote
	stateDoubleQuote
)

// Parse splits a slash-command line into its name (leading "/" removed) and
// arguments. A quote that opens a token starts a span that runs to the
// matching quote and is emitted as one argument without the quotes; `""`
// yields an empty argument. A closing quote always ends the argument, so
// text directly after it starts a new one: `"a b"c` is ["a b", "c"]. Quotes
// inside a token are kept literally. An unterminated span is split on
// whitespace like ordinary text.
func Parse(text string) Invocation {
	text = strings.TrimSpace(text)
	name, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		name, rest = text[:i], text[i:]
	}
	return Invocation{
		Name: strings.TrimPrefix(name, "/"),
		Args: tokenize(rest),
	}
}

func tokenize(s string) []string {
	args := []string{}
	var (
		state   = stateNormal
		buf     strings.Builder
		inToken bool
	)

	flush := func() {
		if inToken {
			args = append(args, buf.String())
		}
		buf.Reset()
		inToken = false
	}

	for _, r := range s {
		switch state {
		case stateNormal:
			switch {
			case unicode.IsSpace(r):
				flush()
			case (r == '"' || r == '\'') && !inToken:
				if r == '"' {
					state = stateDoubleQuote
				} else {
					state = stateSingleQuote
				}
			default:
				buf.WriteRune(r)
				inToken = true
			}

		case stateSingleQuote, stateDoubleQuote:
			closing := '"'
			if state == stateSingleQuote {
				closing = '\''
			}
			if r == closing {
				args = append(args, buf.String())
				buf.Reset()
				state = stateNormal
				continue
			}
			buf.WriteRune(r)
		}
	}

	if state != stateNormal {
		args = append(args, strings.Fields(buf.String())...)
		return args
	}
	flush()
	return args
}
