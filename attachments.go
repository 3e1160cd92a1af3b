package chatsync

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// AttachmentPhase is one step of the attachment protocol.
type AttachmentPhase string

const (
	PhaseInit     AttachmentPhase = "init"
	PhaseUpload   AttachmentPhase = "upload"
	PhaseFinalize AttachmentPhase = "finalize"
	PhaseDone     AttachmentPhase = "done"
)

// attachmentAPI is the part of FetchAPI the upload protocol needs.
type attachmentAPI interface {
	InitAttachment(ctx context.Context, threadID string, req InitAttachmentRequest) (*AttachmentTicket, error)
	UploadAttachment(ctx context.Context, target UploadTarget, body io.Reader, size int64, onProgress func(sent, total int64)) (*UploadedFile, error)
	FinalizeAttachment(ctx context.Context, threadID string, messageID int64, req FinalizeAttachmentRequest) (*Message, error)
}

// FileUpload is a file the user picked.
type FileUpload struct {
	FileName string
	MimeType string
	Data     []byte
	Caption  string
}

// AttachmentUpload runs init → upload → finalize for one file and remembers
// how far it got, so a retry resumes at the phase that failed.
//
// Run is called from a worker goroutine; the engine never touches an upload
// while an attempt is running.
type AttachmentUpload struct {
	ThreadID        string
	ClientRequestID string
	File            FileUpload
	OnProgress      func(sent, total int64)

	// SenderID and CreatedAt fill the record built when finalize reports a
	// duplicate without echoing it.
	SenderID  string
	CreatedAt time.Time

	ticket   *AttachmentTicket
	uploaded *UploadedFile
	final    *Message
}

// NewAttachmentUpload prepares an upload of f into threadID.
func NewAttachmentUpload(threadID, clientRequestID string, f FileUpload) *AttachmentUpload {
	if f.MimeType == "" {
		f.MimeType = guessMimeType(f.FileName)
	}
	return &AttachmentUpload{ThreadID: threadID, ClientRequestID: clientRequestID, File: f}
}

// Phase returns the next phase to run.
func (u *AttachmentUpload) Phase() AttachmentPhase {
	switch {
	case u.ticket == nil:
		return PhaseInit
	case u.uploaded == nil:
		return PhaseUpload
	case u.final == nil:
		return PhaseFinalize
	default:
		return PhaseDone
	}
}

// MessageID returns the server placeholder ID once init has completed.
func (u *AttachmentUpload) MessageID() int64 {
	if u.ticket == nil {
		return 0
	}
	return u.ticket.MessageID
}

// Meta describes the file being uploaded.
func (u *AttachmentUpload) Meta() AttachmentMeta {
	meta := AttachmentMeta{
		FileName: u.File.FileName,
		MimeType: u.File.MimeType,
		Size:     int64(len(u.File.Data)),
	}
	if strings.HasPrefix(meta.MimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(u.File.Data)); err == nil {
			meta.Width, meta.Height = cfg.Width, cfg.Height
		}
	}
	return meta
}

// Run executes the remaining phases. Errors are wrapped in an
// AttachmentPhaseError naming the phase that failed.
func (u *AttachmentUpload) Run(ctx context.Context, api attachmentAPI) (*Message, error) {
	size := int64(len(u.File.Data))

	if u.ticket == nil {
		ticket, err := api.InitAttachment(ctx, u.ThreadID, InitAttachmentRequest{
			ClientRequestID: u.ClientRequestID,
			FileName:        u.File.FileName,
			MimeType:        u.File.MimeType,
			Size:            size,
			Caption:         u.File.Caption,
		})
		// A conflict means an earlier init landed but its answer was lost.
		// The upload carries on against the ticket the server still holds.
		if err != nil && !(IsConflict(err) && ticket != nil) {
			return nil, &AttachmentPhaseError{Phase: PhaseInit, Err: err}
		}
		u.ticket = ticket
	}

	if u.uploaded == nil {
		ref, err := api.UploadAttachment(ctx, u.ticket.Target, bytes.NewReader(u.File.Data), size, u.OnProgress)
		if err != nil {
			return nil, &AttachmentPhaseError{Phase: PhaseUpload, Err: err}
		}
		u.uploaded = ref
	}

	if u.final == nil {
		msg, err := api.FinalizeAttachment(ctx, u.ThreadID, u.ticket.MessageID, FinalizeAttachmentRequest{
			URL:  u.uploaded.URL,
			Meta: u.Meta(),
		})
		if err != nil && !IsConflict(err) {
			return nil, &AttachmentPhaseError{Phase: PhaseFinalize, Err: err}
		}
		if msg == nil {
			msg = u.placeholder()
		}
		u.final = msg
	}
	return u.final.Clone(), nil
}

// placeholder is the record used when finalize reports the attachment was
// already attached without echoing it.
func (u *AttachmentUpload) placeholder() *Message {
	meta := u.Meta()
	return &Message{
		ID:              u.ticket.MessageID,
		ClientRequestID: u.ClientRequestID,
		ThreadID:        u.ThreadID,
		SenderID:        u.SenderID,
		Content:         u.File.Caption,
		AttachmentURL:   u.uploaded.URL,
		AttachmentMeta:  &meta,
		Type:            TypeAttachment,
		Status:          StatusSent,
		Timestamp:       u.CreatedAt,
	}
}

// guessMimeType returns the MIME type for a file name's extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
