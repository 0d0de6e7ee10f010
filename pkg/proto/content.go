package proto

import (
	"fmt"
	"strings"
)

// BlockType discriminates content blocks.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// ImageSource is a base64-encoded image.
type ImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is one text or image block of a turn.
type ContentBlock struct {
	Type  BlockType    `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
}

// TextBlock creates a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock creates an image block from base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Image: &ImageSource{MediaType: mediaType, Data: data}}
}

// ImageBlockFromDataURL parses a "data:image/png;base64,...." URL into an image block.
func ImageBlockFromDataURL(dataURL string) (ContentBlock, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return ContentBlock{}, fmt.Errorf("not a data URL")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return ContentBlock{}, fmt.Errorf("data URL has no payload")
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return ContentBlock{}, fmt.Errorf("unsupported data URL encoding %q", encoding)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return ContentBlock{}, fmt.Errorf("unsupported media type %q", mediaType)
	}
	return ImageBlock(mediaType, data), nil
}

// Content is an ordered list of blocks.
type Content []ContentBlock

// NewTextContent creates single-block text content.
func NewTextContent(text string) Content {
	return Content{TextBlock(text)}
}

// WithImages appends image blocks built from data URLs. Invalid URLs are skipped.
func (c Content) WithImages(dataURLs []string) Content {
	out := c.Clone()
	for _, u := range dataURLs {
		if block, err := ImageBlockFromDataURL(u); err == nil {
			out = append(out, block)
		}
	}
	return out
}

// Text concatenates the text blocks.
func (c Content) Text() string {
	var sb strings.Builder
	for i := range c {
		if c[i].Type == BlockText {
			sb.WriteString(c[i].Text)
		}
	}
	return sb.String()
}

// IsBlank reports whether the content carries no image and no non-whitespace text.
func (c Content) IsBlank() bool {
	for i := range c {
		switch c[i].Type {
		case BlockImage:
			return false
		case BlockText:
			if strings.TrimSpace(c[i].Text) != "" {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	for i := range c {
		out[i] = c[i]
		if c[i].Image != nil {
			img := *c[i].Image
			out[i].Image = &img
		}
	}
	return out
}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CommitAttributes links a turn to a workspace snapshot.
type CommitAttributes struct {
	CommitHash    string `json:"commit_hash,omitempty"`
	Branch        string `json:"branch,omitempty"`
	PreCommitHash string `json:"pre_commit_hash,omitempty"`
}

// IsZero reports whether no attribute is set.
func (c *CommitAttributes) IsZero() bool {
	return c == nil || (c.CommitHash == "" && c.Branch == "" && c.PreCommitHash == "")
}

// ConversationTurn is one entry of the model-facing history.
type ConversationTurn struct {
	Role      Role              `json:"role"`
	Timestamp int64             `json:"ts"`
	Content   Content           `json:"content"`
	Commit    *CommitAttributes `json:"commit,omitempty"`
}

// Clone returns a deep copy.
func (t *ConversationTurn) Clone() ConversationTurn {
	out := ConversationTurn{
		Role:      t.Role,
		Timestamp: t.Timestamp,
		Content:   t.Content.Clone(),
	}
	if t.Commit != nil {
		c := *t.Commit
		out.Commit = &c
	}
	return out
}
