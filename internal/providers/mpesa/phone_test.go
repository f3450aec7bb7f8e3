package mpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "leading zero", input: "0712345678", want: "254712345678"},
		{name: "bare subscriber", input: "712345678", want: "254712345678"},
		{name: "already normalized", input: "254712345678", want: "254712345678"},
		{name: "plus prefix with spaces", input: "+254 712 345 678", want: "254712345678"},
		{name: "dashes", input: "0712-345-678", want: "254712345678"},
		{name: "airtel range", input: "0110123456", want: "254110123456"},
		{name: "invalid network prefix", input: "0812345678", wantErr: true},
		{name: "too short", input: "07123456", wantErr: true},
		{name: "too long", input: "07123456789", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "letters only", input: "not-a-phone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
