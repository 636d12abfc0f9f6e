// Package filetree reads and writes the replicated file-system index of a
// workspace document and derives paths and folder structure from it.
package filetree

import (
	"encoding/json"
	"fmt"
	"strings"

	"codesync/syncserver/internal/ydoc"
)

const (
	KindFile   = "file"
	KindFolder = "folder"

	// IndexMap and IndexKey locate the index inside the replicated document.
	IndexMap = "fileSystem"
	IndexKey = "files"
)

type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Children []Node `json:"children,omitempty"`
}

// Entry is a file node together with its slash separated location in the tree.
type Entry struct {
	Node
	FullPath string
}

// Source describes one durable file row used to rebuild the tree.
type Source struct {
	ID   string
	Name string
	Kind string
	Path string
}

// TextKey names the text buffer holding the content of fileID.
func TextKey(fileID string) string {
	return "file-" + fileID
}

func Read(doc *ydoc.Doc) ([]Node, error) {
	raw, ok := doc.MapGet(IndexMap, IndexKey)
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("decode file index: %w", err)
	}
	return nodes, nil
}

func Write(doc *ydoc.Doc, nodes []Node) error {
	if nodes == nil {
		nodes = []Node{}
	}
	raw, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("encode file index: %w", err)
	}
	doc.MapSet(IndexMap, IndexKey, raw)
	return nil
}

// Files walks the tree depth first and returns every file node.
func Files(nodes []Node) []Entry {
	var out []Entry
	var walk func(items []Node, prefix string)
	walk = func(items []Node, prefix string) {
		for _, item := range items {
			switch item.Type {
			case KindFolder:
				walk(item.Children, prefix+item.Name+"/")
			case KindFile, "":
				if item.ID == "" {
					continue
				}
				out = append(out, Entry{Node: item, FullPath: prefix + item.Name})
			}
		}
	}
	walk(nodes, "")
	return out
}

// IDs returns the id of every node in the tree, folders included.
func IDs(nodes []Node) []string {
	var out []string
	for _, item := range nodes {
		if item.ID != "" {
			out = append(out, item.ID)
		}
		out = append(out, IDs(item.Children)...)
	}
	return out
}

// Build nests flat rows under folders derived from their paths. Folder ids are
// "folder-" followed by the folder path with separators replaced by dashes.
func Build(sources []Source) []Node {
	var root []Node
	for _, src := range sources {
		path := src.Path
		if path == "" {
			path = src.Name
		}
		parts := splitPath(path)
		name := src.Name
		if len(parts) > 0 {
			name = parts[len(parts)-1]
			parts = parts[:len(parts)-1]
		}
		kind := src.Kind
		if kind == "" {
			kind = KindFile
		}
		root = insert(root, parts, "", Node{ID: src.ID, Name: name, Type: kind, Path: src.Path})
	}
	return root
}

func insert(level []Node, folders []string, parentPath string, leaf Node) []Node {
	if len(folders) == 0 {
		return append(level, leaf)
	}
	part := folders[0]
	current := part
	if parentPath != "" {
		current = parentPath + "/" + part
	}
	for i := range level {
		if level[i].Type == KindFolder && level[i].Name == part {
			level[i].Children = insert(level[i].Children, folders[1:], current, leaf)
			return level
		}
	}
	folder := Node{
		ID:   "folder-" + strings.NewReplacer("/", "-", `\`, "-").Replace(current),
		Name: part,
		Type: KindFolder,
	}
	folder.Children = insert(nil, folders[1:], current, leaf)
	return append(level, folder)
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
