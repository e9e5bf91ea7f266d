package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseControl(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Command
	}{
		{"identify", "ID:finch01", Command{Type: CommandIdentify, Value: "finch01"}},
		{"identify trims whitespace", "ID:  finch01 \n", Command{Type: CommandIdentify, Value: "finch01"}},
		{"identify empty", "ID:", Command{Type: CommandIdentify, Value: ""}},
		{"identify keeps inner colon", "ID:site:7", Command{Type: CommandIdentify, Value: "site:7"}},
		{"end", "END", Command{Type: CommandEnd, Value: "END"}},
		{"end is exact", "END ", Command{Type: CommandUnknown, Value: "END "}},
		{"lowercase end", "end", Command{Type: CommandUnknown, Value: "end"}},
		{"lowercase id prefix", "id:x", Command{Type: CommandUnknown, Value: "id:x"}},
		{"free text", "hello", Command{Type: CommandUnknown, Value: "hello"}},
		{"empty", "", Command{Type: CommandUnknown, Value: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseControl(tt.text))
		})
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "binary", KindBinary.String())
	assert.Equal(t, "Unknown(9)", Kind(9).String())

	assert.Equal(t, "identify", CommandIdentify.String())
	assert.Equal(t, "end", CommandEnd.String())
	assert.Equal(t, "unknown", CommandUnknown.String())
}
