package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactRoundTrip(t *testing.T) {
	text := "my number is 123-45-6789"
	lm := NewLabelMap()

	redacted := lm.Redact(text, []TokenTag{{Tag: "PHONE", Start: 13, End: 24}})
	assert.Equal(t, "my number is [PHONE#0]", redacted)

	assert.Equal(t, text, Unredact(redacted, lm.Entities()))
}

func TestLabelStableAcrossRedactions(t *testing.T) {
	lm := NewLabelMap()

	first := lm.Redact("call 123-45-6789", []TokenTag{{Tag: "PHONE", Start: 5, End: 16}})
	assert.Equal(t, "call [PHONE#0]", first)

	// The same number detected in another text reuses the label.
	second := lm.Redact("fax: 123-45-6789 today", []TokenTag{{Tag: "PHONE", Start: 5, End: 16}})
	assert.Equal(t, "fax: [PHONE#0] today", second)

	// A different number of the same tag gets the next index.
	third := lm.Redact("other 987-65-4321", []TokenTag{{Tag: "PHONE", Start: 6, End: 17}})
	assert.Equal(t, "other [PHONE#1]", third)

	assert.Len(t, lm.Entities(), 2)
}

func TestLabelReuseRequiresLongOverlap(t *testing.T) {
	lm := NewLabelMap()

	assert.Equal(t, "[NAME#0]", lm.LabelFor("NAME", "Ada Lovelace"))
	// Shares only "Ada " with the first entity, below the overlap bound.
	assert.Equal(t, "[NAME#1]", lm.LabelFor("NAME", "Ada Byron"))
	// Shares "a Lovelace" with the first, well above it.
	assert.Equal(t, "[NAME#0]", lm.LabelFor("NAME", "Mrs Lovelace"))
}

func TestRedactMultipleSpans(t *testing.T) {
	lm := NewLabelMap()
	text := "Alice Johnson emailed alice.johnson@example.com"

	redacted := lm.Redact(text, []TokenTag{
		{Tag: "NAME", Start: 0, End: 13},
		{Tag: "EMAIL", Start: 22, End: 47},
	})
	assert.Equal(t, "[NAME#0] emailed [EMAIL#0]", redacted)
	assert.Equal(t, text, Unredact(redacted, lm.Entities()))
}

func TestUnredactUnknownLabel(t *testing.T) {
	out := Unredact("hello [PHONE#7]", map[string]string{"[PHONE#0]": "123-45-6789"})
	assert.Equal(t, "hello [UNKNOWN ENTITY]", out)
}

func TestRedactIgnoresInvalidSpans(t *testing.T) {
	lm := NewLabelMap()
	text := "short"
	assert.Equal(t, "short", lm.Redact(text, []TokenTag{{Tag: "X", Start: 3, End: 99}}))
	assert.Equal(t, "short", lm.Redact(text, []TokenTag{{Tag: "X", Start: 4, End: 2}}))
}
