package sim

import (
	"errors"
	"fmt"
)

var ErrUnknownCommand = errors.New("sim: unknown command")

// handler decodes its own arguments from data
type handler func(data *[]byte) error

type command struct {
	ID      uint16
	Name    string
	Format  string // Argument format, e.g. "oid=%c pin=%u"
	Handler handler
}

// registry assigns command IDs in registration order. Entries without a
// handler are responses (MCU to host).
type registry struct {
	commands []*command
	byName   map[string]*command
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]*command)}
}

func (r *registry) register(name, format string, h handler) uint16 {
	if cmd, ok := r.byName[name]; ok {
		return cmd.ID
	}
	cmd := &command{
		ID:      uint16(len(r.commands)),
		Name:    name,
		Format:  format,
		Handler: h,
	}
	r.commands = append(r.commands, cmd)
	r.byName[name] = cmd
	return cmd.ID
}

func (r *registry) id(name string) uint16 {
	return r.byName[name].ID
}

func (r *registry) dispatch(id uint16, data *[]byte) error {
	if int(id) >= len(r.commands) || r.commands[id].Handler == nil {
		return fmt.Errorf("%w: id %d", ErrUnknownCommand, id)
	}
	return r.commands[id].Handler(data)
}

// formats returns the dictionary maps keyed by "name format"
func (r *registry) formats() (commands, responses map[string]int) {
	commands = make(map[string]int)
	responses = make(map[string]int)
	for _, cmd := range r.commands {
		key := cmd.Name
		if cmd.Format != "" {
			key += " " + cmd.Format
		}
		if cmd.Handler != nil {
			commands[key] = int(cmd.ID)
		} else {
			responses[key] = int(cmd.ID)
		}
	}
	return commands, responses
}
