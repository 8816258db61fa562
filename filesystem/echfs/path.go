package echfs

import "strings"

// pathResult is the Go-ified path_result_t: a value-type target entry (if
// found) plus its positional handle, the resolved parent, the terminal
// component's name, and the found/not-found/failure trichotomy. Exactly
// one of failure, notFound, or "found" (targetIndex set, neither flag) holds.
type pathResult struct {
	target      *dirEntry
	targetIndex uint64
	parent      *dirEntry // nil when the parent is the root directory
	parentIndex uint64
	parentID    uint64 // resolved parent's directory ID (RootID for the root)
	name        string
	notFound    bool
	failure     bool
}

// resolvePath translates an absolute path into a pathResult against dt,
// starting from root (payload RootID). typ is the desired terminal type.
func resolvePath(dt *directoryTable, path string, typ uint8) *pathResult {
	if !strings.HasPrefix(path, "/") {
		return &pathResult{failure: true}
	}

	if path == "/" {
		if typ == entryTypeDirectory {
			return &pathResult{
				target:      &dirEntry{Type: entryTypeDirectory, Payload: RootID},
				targetIndex: 0,
				name:        "/",
			}
		}
		return &pathResult{failure: true}
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	parentPayload := RootID
	var parent *dirEntry
	var parentIndex uint64

	for i, part := range parts {
		last := i == len(parts)-1
		wantType := entryTypeDirectory
		if last {
			wantType = typ
		}
		idx, entry, found := dt.search(parentPayload, wantType, part)
		if !found {
			if last {
				return &pathResult{
					parent:      parent,
					parentIndex: parentIndex,
					parentID:    parentPayload,
					name:        part,
					notFound:    true,
				}
			}
			return &pathResult{failure: true}
		}
		if last {
			return &pathResult{
				target:      entry,
				targetIndex: idx,
				parent:      parent,
				parentIndex: parentIndex,
				parentID:    parentPayload,
				name:        part,
			}
		}
		parent = entry
		parentIndex = idx
		parentPayload = entry.Payload
	}
	// unreachable: parts is never empty since path != "/" and was trimmed
	return &pathResult{failure: true}
}
