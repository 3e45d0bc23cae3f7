package device

// Tensor is a row-major 2-D float32 matrix owned by a Backend.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice (float32) to the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor.
	Copy(from Tensor)

	// Slice copies rows [i, k) and cols [j, l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Reshape returns a view with the same row-major data and new dimensions.
	Reshape(r, c int) Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Sub performs element-wise subtraction: t = t - other
	Sub(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a 1xN bias vector to every row.
	AddBias(bias Tensor)

	// Activation functions (In-Place)
	Softmax()
	Gelu()
	ReLU()

	// LayerNorm performs layer normalization (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Linear performs a fused MatMul + BiasAdd and returns the result.
	// equivalent to: r.Mul(input, weight); r.AddBias(bias)
	Linear(input, weight, bias Tensor) Tensor

	// HasNaN reports whether any element is NaN or Inf.
	HasNaN() bool
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}
