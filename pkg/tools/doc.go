// Package tools holds the tool registry the agent loop dispatches against.
//
// A tool is a named handler with a parameter list. Registering a tool builds
// a JSON Schema from its parameters; the dispatcher validates model-supplied
// arguments against that schema before the handler runs. Providers receive
// the same schema when the registry is advertised to the model.
package tools
