package client

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinkURLs(t *testing.T) {
	header := http.Header{}
	header.Add("Link", `<https://acme.example/cert/1/alt>;rel="alternate"`)
	header.Add("Link", `<https://acme.example/dir>;rel="index", <https://acme.example/cert/1/alt2>;rel="alternate"`)

	alternates := linkURLs(header, "alternate")
	require.Equal(t, []string{
		"https://acme.example/cert/1/alt",
		"https://acme.example/cert/1/alt2",
	}, alternates)

	require.Equal(t, []string{"https://acme.example/dir"}, linkURLs(header, "index"))
	require.Empty(t, linkURLs(header, "up"))
	require.Empty(t, linkURLs(http.Header{}, "alternate"))
}

func TestLinkURLsUnquotedRel(t *testing.T) {
	header := http.Header{}
	header.Add("Link", `<https://acme.example/authz/5>; rel=up`)
	require.Equal(t, []string{"https://acme.example/authz/5"}, linkURLs(header, "up"))
}
