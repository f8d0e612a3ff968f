package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestTerminalErrorWrapping(t *testing.T) {
	if Terminal(nil) != nil {
		t.Error("Expected Terminal(nil) to stay nil")
	}

	base := errors.New("input file not found")
	wrapped := Terminal(base)
	if !IsTerminal(wrapped) {
		t.Error("Expected a terminal error to be recognized")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Expected the cause to survive wrapping")
	}
	if wrapped.Error() != base.Error() {
		t.Errorf("Expected the message to pass through, got %q", wrapped.Error())
	}

	if IsTerminal(base) {
		t.Error("Expected a plain error to be retryable")
	}
	if !IsTerminal(fmt.Errorf("running stage: %w", wrapped)) {
		t.Error("Expected terminality to survive further wrapping")
	}
}
