package fieldlearn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pinkllo/autospider-go/internal/task"
)

func TestIsSemanticallyValidByDataType(t *testing.T) {
	assert.True(t, isSemanticallyValid("https://example.com/a", task.DataTypeURL))
	assert.True(t, isSemanticallyValid("/relative/path", task.DataTypeURL))
	assert.False(t, isSemanticallyValid("not a url", task.DataTypeURL))

	assert.True(t, isSemanticallyValid("1,234.50", task.DataTypeNumber))
	assert.True(t, isSemanticallyValid("-42", task.DataTypeNumber))
	assert.False(t, isSemanticallyValid("no digits here", task.DataTypeNumber))

	assert.True(t, isSemanticallyValid("2026-07-31", task.DataTypeDate))
	assert.True(t, isSemanticallyValid("2026年7月31日", task.DataTypeDate))
	assert.False(t, isSemanticallyValid("not a date", task.DataTypeDate))

	assert.True(t, isSemanticallyValid("anything non-empty", task.DataTypeText))
	assert.False(t, isSemanticallyValid("   ", task.DataTypeText))
}

func TestIsSuspiciouslyInteractiveFlagsControlOnlyTags(t *testing.T) {
	assert.True(t, isSuspiciouslyInteractive(`//div/button`, task.DataTypeText, []string{"button"}))
	assert.True(t, isSuspiciouslyInteractive(`//a`, task.DataTypeText, []string{"a", "a"}))
	assert.False(t, isSuspiciouslyInteractive(`//span`, task.DataTypeText, []string{"span"}))
	assert.False(t, isSuspiciouslyInteractive(`//a`, task.DataTypeURL, []string{"a"}))
}

func TestAttrsForDataTypeOnlyAppliesToURL(t *testing.T) {
	assert.Equal(t, urlAttrs, attrsForDataType(task.DataTypeURL))
	assert.Nil(t, attrsForDataType(task.DataTypeText))
}

func TestNormalizeForCompareCollapsesWhitespaceAndCase(t *testing.T) {
	assert.Equal(t, "annual report 2026", normalizeForCompare("  Annual   Report\n2026 "))
}
