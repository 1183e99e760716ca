package protocol

import "hash/fnv"

// Cursor palette. Kept small so colors stay distinguishable; collisions
// between users are acceptable.
var palette = []string{
	"#e06c75",
	"#61afef",
	"#98c379",
	"#c678dd",
	"#d19a66",
	"#56b6c2",
	"#be5046",
	"#528bff",
}

// AssignColor maps a user id deterministically into the cursor palette, so
// every client renders the same color for the same participant without
// coordination.
func AssignColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
