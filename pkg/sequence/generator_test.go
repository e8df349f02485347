package sequence

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	code, err := FormatCode("RWD", "261015", 1)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^RWD-261015-001[A-Z2-9]{2}$`), code)

	code, err = FormatCode("RWD", "261015", 36*36*36)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^RWD-261015-1000[A-Z2-9]{2}$`), code)
}
