package queue

import (
	"context"
	"reflect"
	"testing"
)

type fakeQueue struct{ typeName string }

func (f *fakeQueue) Submit(ctx context.Context, jobID int64) error  { return nil }
func (f *fakeQueue) Cancel(ctx context.Context, jobID int64) error  { return nil }
func (f *fakeQueue) Update(ctx context.Context) error               { return nil }
func (f *fakeQueue) Retrieve(ctx context.Context, jobID int64) error { return nil }
func (f *fakeQueue) TypeName() string                               { return f.typeName }
func (f *fakeQueue) SettingsSnapshot() map[string]string            { return nil }

func TestRegistryPreservesInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("Some big ol' cluster", &fakeQueue{typeName: "remote-slurm"}, []ProgramDef{
		{Name: "Quantum Tater"}, {Name: "Crystal Math"}, {Name: "Nebulous Nucleus"},
	})
	r.Register("Puny local queue", &fakeQueue{typeName: "local"}, []ProgramDef{
		{Name: "SpectroCrunch"}, {Name: "FastFocker"}, {Name: "SpeedSlater"},
	})

	got := r.ListQueues()
	want := map[string][]string{
		"Some big ol' cluster": {"Quantum Tater", "Crystal Math", "Nebulous Nucleus"},
		"Puny local queue":     {"SpectroCrunch", "FastFocker", "SpeedSlater"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListQueues() = %v, want %v", got, want)
	}

	if names := r.Names(); names[0] != "Some big ol' cluster" || names[1] != "Puny local queue" {
		t.Errorf("Names() = %v, order not preserved", names)
	}
}

func TestGetUnknownQueue(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missingQueue"); err == nil || err.Error() != "Unknown queue: missingQueue" {
		t.Errorf("Get(missingQueue) error = %v, want %q", err, "Unknown queue: missingQueue")
	}
}

func TestProgramUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("q", &fakeQueue{}, []ProgramDef{{Name: "p"}})

	if _, err := r.Program("q", "missing"); err == nil {
		t.Error("Program(q, missing) succeeded, want error")
	}
	if _, err := r.Program("missing", "p"); err == nil {
		t.Error("Program(missing, p) succeeded, want error")
	}
	got, err := r.Program("q", "p")
	if err != nil || got.Name != "p" {
		t.Errorf("Program(q, p) = %v, %v", got, err)
	}
}

func TestExpandedRunTemplate(t *testing.T) {
	p := &ProgramDef{
		RunTemplate: "gaussian $$inputFile$$ > $$outputFile$$",
		Variables:   map[string]string{"outputFile": "out.log"},
	}
	got := p.ExpandedRunTemplate(map[string]string{"inputFile": "job.com"})
	want := "gaussian job.com > out.log"
	if got != want {
		t.Errorf("ExpandedRunTemplate() = %q, want %q", got, want)
	}
}

func TestExpandedRunTemplateLeavesUndefinedKeysLiteral(t *testing.T) {
	p := &ProgramDef{RunTemplate: "run $$undefined$$ now", Delimiter: "$$"}
	got := p.ExpandedRunTemplate(nil)
	if got != "run $$undefined$$ now" {
		t.Errorf("ExpandedRunTemplate() = %q, want literal passthrough", got)
	}
}
