package worker

// Task is one unit handed to the pool.
type Task struct {
	ID  string // task identifier, used for logging
	Run func() // body; the pool does not inspect its outcome
}
