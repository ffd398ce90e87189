package everything

import "encoding/json"

// EchoArgs is the arguments for the echo and ping tools.
type EchoArgs struct {
	Message string `json:"message"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool. Duration is in
// seconds.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    int     `json:"steps"`
}

var echoSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "message": { "type": "string" }
    },
    "required": ["message"]
  }
`)

var addSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "a": { "type": "number" },
      "b": { "type": "number" }
    },
    "required": ["a", "b"]
  }
`)

var longRunningOperationSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "duration": { "type": "number", "minimum": 0, "default": 10 },
      "steps": { "type": "integer", "minimum": 1, "default": 5 }
    }
  }
`)

var emptySchema = json.RawMessage(`{ "type": "object" }`)
