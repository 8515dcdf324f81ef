package netgen

import (
	"context"
	"log/slog"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

// linkBuses wires every task that declares a bus dependency to the
// matching bus task. Bus connections carry framed device traffic, so
// every edge created here is marked reliable.
func (e *Engine) linkBuses(ctx context.Context, tx *plan.Transaction) error {
	log := slogcontext.FromCtx(ctx)

	for _, t := range tx.Tasks(nil) {
		if len(t.Buses) == 0 || t.Model == nil {
			continue
		}
		for _, busName := range t.Buses {
			bus, err := findBus(tx, busName)
			if err != nil {
				return err
			}
			wired, err := linkToBus(tx, t, bus)
			if err != nil {
				return err
			}
			if wired == 0 {
				return specf("%s declares bus %q but none of its ports carry %q",
					t, busName, busMessageType(bus))
			}
			log.DebugContext(ctx, "linked bus client",
				slog.String("task", t.Model.Name),
				slog.String("bus", busName),
				slog.Int("connections", wired))
		}
	}
	return nil
}

// findBus locates the unique bus task answering to name: a task whose
// model provides a bus-kind model of that name, or one with an explicit
// "name" argument. Allocation may have replaced the bus model with a
// concrete implementation, so the provides hierarchy is searched.
func findBus(tx *plan.Transaction, name string) (*plan.Task, error) {
	providesBus := func(t *plan.Task) bool {
		for _, m := range t.Model.ProvidedModels() {
			if m.Kind == model.KindBus {
				if m.Name == name {
					return true
				}
				v, ok := t.Arguments["name"]
				s, isString := v.(string)
				if ok && isString && s == name {
					return true
				}
			}
		}
		return false
	}
	matches := tx.Tasks(func(t *plan.Task) bool {
		return t.Model != nil && providesBus(t)
	})
	switch len(matches) {
	case 0:
		return nil, specf("no bus named %q in the current network", name)
	case 1:
		return matches[0], nil
	}
	candidates := make([]string, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, m.String())
	}
	return nil, selection.Ambiguous("bus "+name, candidates...)
}

// busMessageType finds the message type of a bus task through its
// provides hierarchy.
func busMessageType(t *plan.Task) string {
	for _, m := range t.Model.ProvidedModels() {
		if m.Kind == model.KindBus && m.MessageType != "" {
			return m.MessageType
		}
	}
	return ""
}

// linkToBus connects every client port carrying the bus message type to
// the bus port whose name pattern matches, in both directions. Returns
// the number of connections created.
func linkToBus(tx *plan.Transaction, client, bus *plan.Task) (int, error) {
	msg := busMessageType(bus)
	clientName := busClientName(client)
	wired := 0

	for _, cp := range client.Model.OutPorts() {
		if cp.TypeName != msg {
			continue
		}
		sink, ok, err := matchBusPort(bus, bus.Model.InPorts(), clientName, cp.Name, msg)
		if err != nil {
			return wired, err
		}
		if !ok {
			continue
		}
		key := plan.ConnKey{
			Source: client.ID, SourcePort: cp.Name,
			Sink: bus.ID, SinkPort: sink.Name,
		}
		if err := tx.Connect(key, true); err != nil {
			return wired, internalf("bus wiring: %v", err)
		}
		wired++
	}

	for _, cp := range client.Model.InPorts() {
		if cp.TypeName != msg {
			continue
		}
		source, ok, err := matchBusPort(bus, bus.Model.OutPorts(), clientName, cp.Name, msg)
		if err != nil {
			return wired, err
		}
		if !ok {
			continue
		}
		key := plan.ConnKey{
			Source: bus.ID, SourcePort: source.Name,
			Sink: client.ID, SinkPort: cp.Name,
		}
		if err := tx.Connect(key, true); err != nil {
			return wired, internalf("bus wiring: %v", err)
		}
		wired++
	}
	return wired, nil
}

// matchBusPort picks the bus port for one client port. Bus port names
// are glob patterns matched against the client's name and the client
// port's name; a port named "*" is the generic fallback used only when
// no pattern matches.
func matchBusPort(bus *plan.Task, ports []model.Port, clientName, portName, msg string) (model.Port, bool, error) {
	var matches, generic []model.Port
	for _, p := range ports {
		if p.TypeName != msg {
			continue
		}
		if p.Name == "*" {
			generic = append(generic, p)
			continue
		}
		g, err := glob.Compile(p.Name)
		if err != nil {
			// not a pattern, match literally
			if p.Name == clientName || p.Name == portName {
				matches = append(matches, p)
			}
			continue
		}
		if g.Match(clientName) || g.Match(portName) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		matches = generic
	}
	switch len(matches) {
	case 0:
		return model.Port{}, false, nil
	case 1:
		return matches[0], true, nil
	}
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, p.Name)
	}
	return model.Port{}, false,
		selection.Ambiguous("bus port for "+clientName+"."+portName+" on "+bus.String(), names...)
}

func busClientName(t *plan.Task) string {
	if v, ok := t.Arguments["device_name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return t.Model.Name
}
