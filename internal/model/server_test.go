package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestReadMetadataMissingFile(t *testing.T) {
	md, err := readMetadata(filepath.Join(t.TempDir(), "model_metadata.json"))
	if err != nil {
		t.Fatalf("readMetadata: %v", err)
	}
	if md.InputName != "" || len(md.InputShape) != 0 {
		t.Fatalf("expected empty metadata, got %+v", md)
	}
}

func TestReadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	body := `{"input_name":"input_1","output_name":"dense_1","input_shape":[1,64,64,3],"output_shape":[1,2],"classes":["parasitized","uninfected"]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	md, err := readMetadata(path)
	if err != nil {
		t.Fatalf("readMetadata: %v", err)
	}
	if md.InputName != "input_1" || md.OutputName != "dense_1" {
		t.Fatalf("names = %q/%q", md.InputName, md.OutputName)
	}
	if md.Classes[0] != ClassParasitized {
		t.Fatalf("classes = %v", md.Classes)
	}

	// Complete metadata never touches the model file.
	if err := introspect(filepath.Join(t.TempDir(), "missing.onnx"), &md); err != nil {
		t.Fatalf("introspect: %v", err)
	}
}

func TestReadMetadataInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readMetadata(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewServerMissingModel(t *testing.T) {
	_, err := NewServer(Options{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")})
	if err == nil {
		t.Fatal("expected error for missing model file")
	}
}

// TestServerInfer needs the onnxruntime shared library and an exported model.
func TestServerInfer(t *testing.T) {
	lib, modelPath := os.Getenv("ONNXRUNTIME_LIB"), os.Getenv("MODEL_PATH")
	if lib == "" || modelPath == "" {
		t.Skip("ONNXRUNTIME_LIB and MODEL_PATH not set")
	}

	s, err := NewServer(Options{ModelPath: modelPath, LibraryPath: lib, PoolSize: 2})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	in := s.Input()
	tensor := Tensor{Shape: in.Shape(), Data: make([]float32, in.Size())}
	for i := range tensor.Data {
		tensor.Data[i] = 0.5
	}

	scores, err := s.Infer(context.Background(), tensor)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(scores) != s.OutputUnits() {
		t.Fatalf("got %d scores, want %d", len(scores), s.OutputUnits())
	}

	if _, err := s.Infer(context.Background(), Tensor{Data: make([]float32, 3)}); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
