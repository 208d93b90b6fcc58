package agentinvoker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBypassWithReplyTargetWritesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	iv := New()
	res, err := iv.Invoke(context.Background(), Request{
		WorkspaceDir:   dir,
		AgentDisabled:  true,
		HasReplyTarget: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ProducedFiles) != 1 || res.ProducedFiles[0] != replyDraftFile {
		t.Fatalf("expected placeholder draft to be produced, got %v", res.ProducedFiles)
	}
	if _, err := os.Stat(filepath.Join(dir, replyDraftFile)); err != nil {
		t.Fatalf("expected placeholder file on disk: %v", err)
	}
}

func TestBypassWithoutReplyTargetProducesNothing(t *testing.T) {
	dir := t.TempDir()
	iv := New()
	res, err := iv.Invoke(context.Background(), Request{
		WorkspaceDir:  dir,
		AgentDisabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ProducedFiles) != 0 {
		t.Fatalf("expected no produced files, got %v", res.ProducedFiles)
	}
	if _, err := os.Stat(filepath.Join(dir, replyDraftFile)); err == nil {
		t.Fatalf("expected no placeholder file to be written")
	}
}

func TestValidateRelativeInputRejectsAbsoluteAndTraversal(t *testing.T) {
	cases := []struct {
		path    string
		wantErr bool
	}{
		{"incoming_email/email.html", false},
		{"/etc/passwd", true},
		{"../../etc/passwd", true},
	}
	for _, c := range cases {
		err := ValidateRelativeInput(c.path)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateRelativeInput(%q): err=%v, wantErr=%v", c.path, err, c.wantErr)
		}
	}
}

func TestInvokeMissingBinaryReturnsAgentBinaryMissing(t *testing.T) {
	dir := t.TempDir()
	iv := New()
	_, err := iv.Invoke(context.Background(), Request{
		WorkspaceDir: dir,
		Runner:       Runner("nonexistent-runner-xyz"),
	})
	if err == nil {
		t.Fatal("expected an error for unknown runner")
	}
	fail, ok := err.(*Failure)
	if !ok || fail.Kind != AgentBinaryMissing {
		t.Fatalf("expected AgentBinaryMissing failure, got %v", err)
	}
}
