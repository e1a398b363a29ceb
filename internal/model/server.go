package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath    string
	PoolSize       int
	AcquireTimeout time.Duration
	Logger         *logrus.Logger
}

// Server owns the ONNX Runtime environment and a pool of sessions over one
// model. It is safe for concurrent use.
type Server struct {
	Metadata Metadata

	input   InputSpec
	units   int
	pool    *sessionPool[*session]
	ownsEnv bool
	log     *logrus.Entry
}

func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "model")

	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}

	s, err := newServer(opts, log)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}
	s.ownsEnv = ownsEnv
	return s, nil
}

func newServer(opts Options, log *logrus.Entry) (*Server, error) {
	metadata, err := readMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := introspect(opts.ModelPath, &metadata); err != nil {
		return nil, err
	}

	input, err := ParseInputSpec(metadata.InputShape, metadata.Layout)
	if err != nil {
		return nil, err
	}
	metadata.InputShape = input.Shape()
	metadata.Layout = input.Layout

	units, err := ParseOutputUnits(metadata.OutputShape)
	if err != nil {
		return nil, err
	}
	metadata.OutputShape = []int64{1, int64(units)}

	if len(metadata.Classes) == 0 {
		metadata.Classes = DefaultClasses
	}
	if units == 2 && !hasClasses(metadata.Classes) {
		return nil, fmt.Errorf("classes %v: two-unit output needs %q and %q", metadata.Classes, ClassUninfected, ClassParasitized)
	}

	size := opts.PoolSize
	if size <= 0 {
		size = runtime.NumCPU()
	}
	threads := runtime.NumCPU() / size
	if threads < 1 {
		threads = 1
	}

	pool, err := newSessionPool(size, opts.AcquireTimeout, func() (*session, error) {
		return newSession(opts.ModelPath, metadata, threads)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"input":        metadata.InputName,
		"input_shape":  metadata.InputShape,
		"output":       metadata.OutputName,
		"output_shape": metadata.OutputShape,
		"pool_size":    size,
	}).Info("Model loaded")

	return &Server{
		Metadata: metadata,
		input:    input,
		units:    units,
		pool:     pool,
		log:      log,
	}, nil
}

func (s *Server) Input() InputSpec  { return s.input }
func (s *Server) OutputUnits() int  { return s.units }
func (s *Server) Classes() []string { return s.Metadata.Classes }
func (s *Server) Stats() PoolStats  { return s.pool.Stats() }

// Infer runs the model on a single-item batch and returns a copy of the
// output scores. It blocks until a session is free, the context ends or the
// acquire timeout expires; a running inference is not interrupted.
func (s *Server) Infer(ctx context.Context, t Tensor) ([]float32, error) {
	if len(t.Data) != s.input.Size() {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(t.Data), s.input.Size())
	}

	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer s.pool.Release(sess)

	copy(sess.input.GetData(), t.Data)
	if err := sess.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := sess.output.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (s *Server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.ownsEnv {
		if err := ort.DestroyEnvironment(); err != nil {
			s.log.WithError(err).Warn("Failed to destroy ONNX environment")
		}
	}
	s.log.Info("Model server closed")
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newSession(modelPath string, metadata Metadata, threads int) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{
		session: sess,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

func (s *session) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// readMetadata returns an empty Metadata when the file does not exist.
func readMetadata(path string) (Metadata, error) {
	var metadata Metadata
	if path == "" {
		return metadata, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return metadata, nil
	}
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

// introspect fills tensor names and shapes the metadata leaves unset.
func introspect(modelPath string, metadata *Metadata) error {
	if metadata.InputName != "" && metadata.OutputName != "" &&
		len(metadata.InputShape) > 0 && len(metadata.OutputShape) > 0 {
		return nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("model has %d inputs and %d outputs, expected 1 and 1", len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return fmt.Errorf("input %q has type %v, expected float", in.Name, in.DataType)
	}

	if metadata.InputName == "" {
		metadata.InputName = in.Name
	}
	if metadata.OutputName == "" {
		metadata.OutputName = out.Name
	}
	if len(metadata.InputShape) == 0 {
		metadata.InputShape = withBatch(in.Dimensions)
	}
	if len(metadata.OutputShape) == 0 {
		metadata.OutputShape = withBatch(out.Dimensions)
	}
	return nil
}

// withBatch pins a dynamic leading dimension to 1.
func withBatch(dims ort.Shape) []int64 {
	shape := make([]int64, len(dims))
	copy(shape, dims)
	if len(shape) > 0 && shape[0] <= 0 {
		shape[0] = 1
	}
	return shape
}

func hasClasses(classes []string) bool {
	var u, p bool
	for _, c := range classes {
		switch c {
		case ClassUninfected:
			u = true
		case ClassParasitized:
			p = true
		}
	}
	return u && p && len(classes) == 2
}
