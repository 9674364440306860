package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fabfab/pdfrag/llm"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one conversation. It keeps only the most recent window turns
// and whether they should be used to rewrite new questions.
type Session struct {
	mu         sync.Mutex
	window     int
	useHistory bool
	turns      []Turn
}

// NewSession returns a session with history enabled. A window below one
// keeps no history.
func NewSession(window int) *Session {
	return &Session{window: max(window, 0), useHistory: true}
}

func (s *Session) Window() int { return s.window }

func (s *Session) UseHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useHistory
}

func (s *Session) SetUseHistory(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useHistory = enabled
}

// Append records turns in order, dropping the oldest beyond the window.
func (s *Session) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - s.window; over > 0 {
		s.turns = append([]Turn(nil), s.turns[over:]...)
	}
}

// Recent returns a copy of the retained turns, oldest first.
func (s *Session) Recent() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

func formatHistory(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", t.Role, strings.TrimSpace(t.Content))
	}
	return sb.String()
}

func userTurn(content string) Turn {
	return Turn{Role: llm.RoleUser, Content: content}
}

func assistantTurn(source, content string) Turn {
	if source == "" {
		return Turn{Role: llm.RoleAssistant, Content: content}
	}
	return Turn{Role: llm.RoleAssistant, Content: "Reference Doc: " + source + "\n" + content}
}
