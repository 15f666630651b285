package protocol

import (
	"testing"
	"time"
)

func TestParseInboundAliases(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "canonical field names",
			raw:  `{"type":"chat_message","room":"public","message":"hi","userAddress":"0xabc","userSignature":"0xsig","counter":3,"sessionToken":"tok"}`,
			want: Inbound{Type: KindChatMessage, Room: "public", Message: "hi", UserAddress: "0xabc", UserSignature: "0xsig", Counter: 3, SessionToken: "tok"},
		},
		{
			name: "content and sender aliases",
			raw:  `{"type":"chat_message","room":"public","content":"hi","sender":"0xabc","signature":"0xsig"}`,
			want: Inbound{Type: KindChatMessage, Room: "public", Message: "hi", UserAddress: "0xabc", UserSignature: "0xsig"},
		},
		{
			name: "canonical names win over aliases",
			raw:  `{"type":"chat_message","message":"primary","content":"fallback","userAddress":"0xprimary","sender":"0xfallback"}`,
			want: Inbound{Type: KindChatMessage, Message: "primary", UserAddress: "0xprimary"},
		},
		{
			name: "join with whitespace trimmed",
			raw:  `{"type":" join_chat ","room":" supporter ","userType":" supporter "}`,
			want: Inbound{Type: KindJoinChat, Room: "supporter", UserType: "supporter"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			if *got != tc.want {
				t.Errorf("got %+v\nwant %+v", *got, tc.want)
			}
		})
	}
}

func TestParseInboundLastMessageTime(t *testing.T) {
	got, err := ParseInbound([]byte(`{"type":"join_chat","room":"public","lastMessageTime":1767225600000}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.LastMessageTime.Equal(want) {
		t.Errorf("lastMessageTime = %v, want %v", got.LastMessageTime, want)
	}

	got, err = ParseInbound([]byte(`{"type":"join_chat","room":"public"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastMessageTime.IsZero() {
		t.Errorf("absent lastMessageTime = %v, want zero", got.LastMessageTime)
	}
}

func TestParseInboundRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"room":"public"}`},
		{"unknown type", `{"type":"shout"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseInbound([]byte(tc.raw)); err == nil {
				t.Error("ParseInbound accepted a bad frame")
			}
		})
	}
}
