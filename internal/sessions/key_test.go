package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{in: "agent:main:telegram:dm:u42", want: Key{Scope: ScopeMain, Provider: "telegram", Kind: PeerDM, UserID: "u42"}},
		{in: "agent:sub:discord:group:-100123", want: Key{Scope: ScopeSub, Provider: "discord", Kind: PeerGroup, UserID: "-100123"}},
		{in: "agent:main:telegram:dm:u42:thread:3", want: Key{Scope: ScopeMain, Provider: "telegram", Kind: PeerDM, UserID: "u42", Thread: 3}},
		{in: "agent:main:telegram:channel:news", want: Key{Scope: ScopeMain, Provider: "telegram", Kind: PeerChannel, UserID: "news"}},
		{in: "agent:other:telegram:dm:u42", wantErr: true},   // bad scope
		{in: "agent:main:Telegram:dm:u42", wantErr: true},    // provider not lowercase
		{in: "agent:main:telegram:pm:u42", wantErr: true},    // bad kind
		{in: "agent:main:telegram:dm", wantErr: true},        // missing userId
		{in: "agent:main:telegram:dm:u42:topic:3", wantErr: true},
		{in: "agent:main:telegram:dm:u42:thread:0", wantErr: true},
		{in: "session:main:telegram:dm:u42", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseKey(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.in, got.String(), "round trip")
	}
}

func TestBuildThreadKey(t *testing.T) {
	key := BuildThreadKey(ScopeMain, "telegram", PeerDM, "u42", 7)
	assert.Equal(t, "agent:main:telegram:dm:u42:thread:7", key)
	assert.True(t, Valid(key))
}
