package kapti

import (
	"bytes"
	"testing"

	"github.com/gookit/color"
	"github.com/stretchr/testify/assert"
)

func TestWarnfUsesWarnStyle(t *testing.T) {
	var buf bytes.Buffer
	fwarnf(&buf, "reading config: %v\n", "permission denied")
	assert.Equal(t, colWarn.Sprintf("warning: reading config: %v\n", "permission denied"), buf.String())
	assert.Equal(t, "warning: reading config: permission denied\n", color.ClearCode(buf.String()))
}
