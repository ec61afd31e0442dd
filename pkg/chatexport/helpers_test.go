package chatexport

import (
	"testing"

	"whatsorganizer/pkg/chatexport/chatexporttest"
)

type zipEntry = chatexporttest.Entry

func file(name, body string) zipEntry {
	return chatexporttest.File(name, body)
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	return chatexporttest.Build(t, entries...)
}
