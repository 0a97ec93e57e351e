package attribution

// Trace is one Agent Trace record: the files an agent touched and the
// conversations and line ranges that produced them.
type Trace struct {
	Version   string         `json:"version"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	VCS       *VCS           `json:"vcs,omitempty"`
	Tool      *Tool          `json:"tool,omitempty"`
	Files     []File         `json:"files"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type VCS struct {
	Type     string `json:"type,omitempty"`
	Revision string `json:"revision,omitempty"`
}

type Tool struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type File struct {
	Path          string         `json:"path"`
	Conversations []Conversation `json:"conversations,omitempty"`
}

// Conversation groups the ranges one conversation contributed to a file.
// ID is optional; when empty the id is derived from URL.
type Conversation struct {
	ID          string       `json:"id,omitempty"`
	URL         string       `json:"url,omitempty"`
	Contributor *Contributor `json:"contributor,omitempty"`
	Ranges      []Range      `json:"ranges,omitempty"`
}

type Contributor struct {
	Type    string `json:"type,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

// Range is an inclusive, 1-indexed line range. A range-level contributor
// overrides the conversation's.
type Range struct {
	StartLine   int          `json:"start_line"`
	EndLine     int          `json:"end_line"`
	ContentHash string       `json:"content_hash,omitempty"`
	Contributor *Contributor `json:"contributor,omitempty"`
}

func (c *Contributor) String() string {
	if c == nil {
		return "unknown"
	}
	switch {
	case c.Type == "" && c.ModelID == "":
		return "unknown"
	case c.ModelID == "":
		return c.Type
	case c.Type == "":
		return c.ModelID
	default:
		return c.Type + ":" + c.ModelID
	}
}
