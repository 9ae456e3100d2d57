package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

func TestValidateCreator(t *testing.T) {
	tests := []struct {
		name    string
		creator schema.Creator
		wantErr bool
	}{
		{"anonymous", Anonymous(), false},
		{"user", schema.Creator{Kind: schema.CreatorUser, ID: "ana@example.com"}, false},
		{"user without id", schema.Creator{Kind: schema.CreatorUser}, true},
		{"anonymous with id", schema.Creator{Kind: schema.CreatorAnonymous, ID: "x"}, true},
		{"unknown kind", schema.Creator{Kind: "robot", ID: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCreator(tt.creator)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDirectory_Authenticate(t *testing.T) {
	d, err := NewDirectory(map[string]string{"ops": "s3cret", "ci": "other"})
	require.NoError(t, err)

	tests := []struct {
		header  string
		subject string
	}{
		{"Bearer s3cret", "ops"},
		{"Bearer other", "ci"},
		{"Bearer  s3cret", ""},
		{"Bearer s3cret ", ""},
		{"bearer s3cret", ""},
		{"s3cret", ""},
		{"Bearer ", ""},
		{"", ""},
		{"Bearer wrong", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			c, err := d.Authenticate(tt.header)
			if tt.subject == "" {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, schema.Creator{Kind: schema.CreatorUser, ID: tt.subject}, c)
		})
	}
}

func TestNewDirectory_Errors(t *testing.T) {
	_, err := NewDirectory(map[string]string{"bad subject": "t"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewDirectory(map[string]string{"ops": ""})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	_, err = NewDirectory(map[string]string{"ops": " padded"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	_, err = NewDirectory(map[string]string{"a": "same", "b": "same"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestDirectory_SubjectsAndEmpty(t *testing.T) {
	var nilDir *Directory
	assert.True(t, nilDir.Empty())

	d, err := NewDirectory(map[string]string{"b": "1", "a": "2"})
	require.NoError(t, err)
	assert.False(t, d.Empty())
	assert.Equal(t, []string{"a", "b"}, d.Subjects())
}

func TestCreatorContext(t *testing.T) {
	assert.Equal(t, Anonymous(), CreatorFrom(context.Background()))

	user := schema.Creator{Kind: schema.CreatorUser, ID: "ops"}
	assert.Equal(t, user, CreatorFrom(WithCreator(context.Background(), user)))
}
