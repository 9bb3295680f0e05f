package recordstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRecordID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"3f2b8c1e-4d5a-4b6c-9e7f-0a1b2c3d4e5f", true},
		{"3F2B8C1E-4D5A-4B6C-9E7F-0A1B2C3D4E5F", true},
		{"PLACEHOLDER_UUID", false},
		{"", false},
		{"3f2b8c1e4d5a4b6c9e7f0a1b2c3d4e5f", false},
		{"{3f2b8c1e-4d5a-4b6c-9e7f-0a1b2c3d4e5f}", false},
		{"3f2b8c1e-4d5a-4b6c-9e7f-0a1b2c3d4e5g", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidRecordID(tt.id))
		})
	}
	assert.True(t, IsValidRecordID(NewRecordID()))
}

func TestSingular(t *testing.T) {
	assert.Equal(t, "company", Singular("companies"))
	assert.Equal(t, "deal", Singular("deals"))
	assert.Equal(t, "person", Singular("person"))
}

func TestIsAuxiliary(t *testing.T) {
	assert.True(t, IsAuxiliary("tasks"))
	assert.True(t, IsAuxiliary("notes"))
	assert.False(t, IsAuxiliary("companies"))
	assert.Len(t, AuxiliaryResources(), 3)
}
