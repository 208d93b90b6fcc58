// Package workspace builds the per-RunTask directory tree handed to the
// agent as its input surface. A workspace is created once per task and
// never overwritten.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/blobstore"
)

const (
	dirIncomingEmail = "incoming_email"
	dirAttachments   = "attachments"
	dirReferences    = "references"
	dirPastEmails    = "past_emails"
	dirMemory        = "memory"
	dirSkills        = "skills"
)

// MailArchiveEntry mirrors one entry of the archive index.json.
type MailArchiveEntry struct {
	EntryID             string   `json:"entry_id"`
	DisplayName         string   `json:"display_name"`
	Path                string   `json:"path"`
	Direction           string   `json:"direction"` // "inbound" | "outbound"
	Subject             string   `json:"subject"`
	From                string   `json:"from"`
	To                  []string `json:"to"`
	Cc                  []string `json:"cc,omitempty"`
	Bcc                 []string `json:"bcc,omitempty"`
	Date                string   `json:"date"`
	MessageID           string   `json:"message_id"`
	AttachmentsManifest string   `json:"attachments_manifest,omitempty"`
	AttachmentsCount    int      `json:"attachments_count"`
	LargeAttachmentsCount int    `json:"large_attachments_count"`

	// SourcePath is not serialized; it tells BuildWorkspace where to copy
	// the archived content from when hydrating references/past_emails.
	SourcePath string `json:"-"`
	SizeBytes  int64  `json:"-"`
}

// ArchiveIndex is the mail archive index.json schema.
type ArchiveIndex struct {
	Version     int                `json:"version"`
	GeneratedAt time.Time          `json:"generated_at"`
	UserID      string             `json:"user_id"`
	Entries     []MailArchiveEntry `json:"entries"`
}

// AttachmentManifestEntry mirrors one entry of an attachments manifest.
type AttachmentManifestEntry struct {
	FileName     string `json:"file_name"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Storage      string `json:"storage"` // "local" | "remote"
	RelativePath string `json:"relative_path"`
	BlobURL      string `json:"blob_url,omitempty"`
}

// AttachmentManifest is the attachments manifest schema.
type AttachmentManifest struct {
	Version     int                       `json:"version"`
	GeneratedAt time.Time                 `json:"generated_at"`
	MessageID   string                    `json:"message_id"`
	Attachments []AttachmentManifestEntry `json:"attachments"`
}

// Request describes the inputs needed to materialize one RunTask workspace.
type Request struct {
	MessageID        string
	WorkspaceRoot    string // e.g. <employee_runtime_root>/workspaces
	UserID           string
	EmailHTML        string
	EmailText        string
	InlineAttachments []InlineAttachment
	ArchiveEntries   []MailArchiveEntry
	MemoryMarkdown   map[string]string // filename -> content, sorted by filename on write
	BaseSkillsDir    string            // copied wholesale into skills/
	PerEmployeeSkillsOverrideDir string // optional, overlaid on top of BaseSkillsDir
}

type InlineAttachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Manager builds and tears down per-RunTask workspace directories.
type Manager struct {
	blobs blobstore.Store
}

func NewManager(blobs blobstore.Store) *Manager {
	return &Manager{blobs: blobs}
}

// Build materializes the workspace tree:
//
//	workspace_dir/
//	  incoming_email/{email.html,email.txt,attachments/*}
//	  references/past_emails/index.json (+ hydrated entries)
//	  memory/*.md (sorted)
//	  skills/ (base + per-employee overrides)
//
// Workspaces are addressed by message_id and built exactly once; Build
// fails if the directory already exists, so workspaces are never shared
// between tasks.
func (m *Manager) Build(ctx context.Context, req Request) (string, error) {
	dir := filepath.Join(req.WorkspaceRoot, req.MessageID)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("workspace: %s already exists for message %s", dir, req.MessageID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: mkdir: %w", err)
	}

	if err := m.writeIncomingEmail(dir, req); err != nil {
		return "", err
	}
	if err := m.writeReferences(ctx, dir, req); err != nil {
		return "", err
	}
	if err := m.writeMemory(dir, req); err != nil {
		return "", err
	}
	if err := m.writeSkills(dir, req); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *Manager) writeIncomingEmail(dir string, req Request) error {
	emailDir := filepath.Join(dir, dirIncomingEmail)
	attachDir := filepath.Join(emailDir, dirAttachments)
	if err := os.MkdirAll(attachDir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir incoming_email: %w", err)
	}
	if err := os.WriteFile(filepath.Join(emailDir, "email.html"), []byte(req.EmailHTML), 0o644); err != nil {
		return fmt.Errorf("workspace: write email.html: %w", err)
	}
	if err := os.WriteFile(filepath.Join(emailDir, "email.txt"), []byte(req.EmailText), 0o644); err != nil {
		return fmt.Errorf("workspace: write email.txt: %w", err)
	}
	for _, a := range req.InlineAttachments {
		p := filepath.Join(attachDir, safeBaseName(a.FileName))
		if err := os.WriteFile(p, a.Data, 0o644); err != nil {
			return fmt.Errorf("workspace: write attachment %s: %w", a.FileName, err)
		}
	}
	return nil
}

// writeReferences hydrates references/past_emails/ from the user mail
// archive: entries <= 50MB are copied in full; larger entries are
// referenced via an attachments manifest with optional blob URLs.
func (m *Manager) writeReferences(ctx context.Context, dir string, req Request) error {
	pastEmailsDir := filepath.Join(dir, dirReferences, dirPastEmails)
	if err := os.MkdirAll(pastEmailsDir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir past_emails: %w", err)
	}

	index := ArchiveIndex{
		Version:     1,
		GeneratedAt: time.Now().UTC(),
		UserID:      req.UserID,
		Entries:     make([]MailArchiveEntry, 0, len(req.ArchiveEntries)),
	}

	for _, entry := range req.ArchiveEntries {
		e := entry
		if e.SizeBytes <= maxInlineAttachmentBytes(req) && e.SourcePath != "" {
			data, err := os.ReadFile(e.SourcePath)
			if err == nil {
				dst := filepath.Join(pastEmailsDir, safeBaseName(e.EntryID)+".eml")
				if werr := os.WriteFile(dst, data, 0o644); werr == nil {
					e.Path = filepath.Join(dirReferences, dirPastEmails, filepath.Base(dst))
				}
			}
		} else if e.SourcePath != "" && m.blobs != nil {
			data, err := os.ReadFile(e.SourcePath)
			if err == nil {
				ref, perr := m.blobs.Put(ctx, data)
				if perr == nil {
					url, _ := m.blobs.URL(ctx, ref)
					e.AttachmentsManifest = ref
					e.Path = url
				}
			}
		}
		index.Entries = append(index.Entries, e)
	}

	sort.Slice(index.Entries, func(i, j int) bool { return index.Entries[i].EntryID < index.Entries[j].EntryID })

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal index.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pastEmailsDir, "index.json"), data, 0o644); err != nil {
		return fmt.Errorf("workspace: write index.json: %w", err)
	}
	return nil
}

func (m *Manager) writeMemory(dir string, req Request) error {
	memDir := filepath.Join(dir, dirMemory)
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir memory: %w", err)
	}
	names := make([]string, 0, len(req.MemoryMarkdown))
	for name := range req.MemoryMarkdown {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := filepath.Join(memDir, safeBaseName(name))
		if err := os.WriteFile(p, []byte(req.MemoryMarkdown[name]), 0o644); err != nil {
			return fmt.Errorf("workspace: write memory/%s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) writeSkills(dir string, req Request) error {
	skillsDir := filepath.Join(dir, dirSkills)
	if err := os.MkdirAll(skillsDir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir skills: %w", err)
	}
	if req.BaseSkillsDir != "" {
		if err := copyTree(req.BaseSkillsDir, skillsDir); err != nil {
			return fmt.Errorf("workspace: copy base skills: %w", err)
		}
	}
	if req.PerEmployeeSkillsOverrideDir != "" {
		if err := copyTree(req.PerEmployeeSkillsOverrideDir, skillsDir); err != nil {
			return fmt.Errorf("workspace: copy skill overrides: %w", err)
		}
	}
	return nil
}

func maxInlineAttachmentBytes(_ Request) int64 { return 50 * 1024 * 1024 }

func safeBaseName(name string) string {
	return filepath.Base(filepath.Clean("/" + name))
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
