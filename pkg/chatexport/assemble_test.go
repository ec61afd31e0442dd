package chatexport

import (
	"reflect"
	"testing"
)

func TestAssemble(t *testing.T) {
	parsed := []ParsedMessage{
		{Line: 1, Sender: "John", Date: "1/1/23", Time: "10:00", Body: "a.jpg (file attached)", Attachment: "a.jpg"},
		{Line: 3, Sender: "", Date: "1/1/23", Time: "10:01", Body: "John left"},
	}
	calls := 0
	resolve := func(name string) *string {
		calls++
		p := "media/" + name
		return &p
	}
	got := Assemble(parsed, resolve)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("unexpected ids: %+v", got)
	}
	if got[0].FileAttached == nil || *got[0].FileAttached != "media/a.jpg" {
		t.Fatalf("FileAttached = %v", got[0].FileAttached)
	}
	if got[1].FileAttached != nil || calls != 1 {
		t.Fatalf("resolver called %d times, second attachment %v", calls, got[1].FileAttached)
	}
	if got[1].Name != "" || !got[1].IsSystem() {
		t.Fatalf("expected system message, got %+v", got[1])
	}

	again := Assemble(parsed, nil)
	if again[0].ID != 1 || again[0].FileAttached != nil {
		t.Fatalf("second call must restart numbering without attachments: %+v", again[0])
	}
	if !reflect.DeepEqual(again[1], got[1]) {
		t.Fatalf("assembly is not deterministic: %+v vs %+v", again[1], got[1])
	}
}
