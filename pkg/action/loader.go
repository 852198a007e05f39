package action

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves action binaries into Action implementations.
type Loader interface {
	Load(path string) (Action, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load actions.
type GoPluginLoader struct{}

// Load opens the shared object and searches for an `Action` symbol implementing the Action interface.
func (GoPluginLoader) Load(path string) (Action, error) {
	if path == "" {
		return nil, errors.New("action path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Action")
	if err != nil {
		return nil, err
	}
	switch a := symbol.(type) {
	case Action:
		return a, nil
	case *Action:
		if a == nil {
			return nil, errors.New("action symbol is nil")
		}
		return *a, nil
	case func() Action:
		return a(), nil
	default:
		return nil, errors.New("action symbol must implement action.Action")
	}
}
