package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/grovhq/grov-proxy/internal/types"
)

const noMemoriesPreview = "[PROJECT KNOWLEDGE BASE: No relevant entries for this query]"

// maxPreviewMemories caps the preview regardless of how many results the
// search call returned.
const maxPreviewMemories = 3

// ageBucket formats the time since t per the bucket formula: same day is
// "today", one day is "1 day ago", under a week is "k days ago", then
// weeks up to 4, then months.
func ageBucket(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)

	switch {
	case days == 0:
		return "today"
	case days == 1:
		return "1 day ago"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 28:
		weeks := days / 7
		if weeks == 1 {
			return "1 week ago"
		}
		return fmt.Sprintf("%d weeks ago", weeks)
	default:
		months := days / 30
		if months < 1 {
			months = 1
		}
		if months == 1 {
			return "1 month ago"
		}
		return fmt.Sprintf("%d months ago", months)
	}
}

// BuildPreview renders the preview block injected into the last user
// message on a first request. now is threaded in explicitly since
// time.Now is unavailable to anything reconstructing byte-identical state.
func BuildPreview(memories []types.Memory, now time.Time) string {
	if len(memories) == 0 {
		return noMemoriesPreview
	}
	if len(memories) > maxPreviewMemories {
		memories = memories[:maxPreviewMemories]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[PROJECT KNOWLEDGE BASE: %d verified entries - CURRENT]", len(memories))
	for _, m := range memories {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "#%s: %q -> %s (%s)", m.ShortID(), m.Goal, m.Summary, ageBucket(m.UpdatedAt, now))
	}
	sb.WriteString("\nUse grov_expand with these IDs to get full knowledge.")
	return sb.String()
}
