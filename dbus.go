package main

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/rfkill"
)

const (
	defaultBusName = "org.rfkilld"
	servicePath    = dbus.ObjectPath("/org/rfkilld")
	serviceIface   = "org.rfkilld.Service"
	deviceIface    = "org.rfkilld.Device"
	devicesPrefix  = "/org/rfkilld/devices/"

	serviceVersion = 1
)

// devicePath maps a kernel index to its object path, e.g.
// "/org/rfkilld/devices/3".
func devicePath(index uint32) dbus.ObjectPath {
	return dbus.ObjectPath(devicesPrefix + strconv.FormatUint(uint64(index), 10))
}

// Names for the integer Type and State properties, indexed by value.
func classNames() []string {
	return []string{rfkill.ClassUnknown.String(), rfkill.ClassWifi.String(), rfkill.ClassBluetooth.String()}
}

func stateNames() []string {
	return []string{
		rfkill.StateUnknown.String(), rfkill.StateUnblocked.String(),
		rfkill.StateSoftBlocked.String(), rfkill.StateHardBlocked.String(),
	}
}

// serviceObject is exported at servicePath.
type serviceObject struct{ svc *dbusService }

func (o serviceObject) Version() (int32, *dbus.Error) { return serviceVersion, nil }

func (o serviceObject) Adapters() ([]dbus.ObjectPath, *dbus.Error) {
	return o.svc.adapters(), nil
}

// deviceObject is exported at every device path. Devices are read-only.
type deviceObject struct{}

func (deviceObject) TypeNames() ([]string, *dbus.Error)  { return classNames(), nil }
func (deviceObject) StateNames() ([]string, *dbus.Error) { return stateNames(), nil }

type exportedDevice struct {
	dev   rfkill.Device
	props *prop.Properties
}

// dbusService mirrors the registry onto the bus.
type dbusService struct {
	conn *dbus.Conn
	log  zerolog.Logger

	mu      sync.Mutex
	props   *prop.Properties
	devices map[uint32]*exportedDevice
	order   []uint32
}

func connectBus(bus string) (*dbus.Conn, error) {
	switch bus {
	case "", "session":
		return dbus.ConnectSessionBus()
	case "system":
		return dbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", bus)
	}
}

func newDBusService(cfg DBusConfig, log zerolog.Logger) (*dbusService, error) {
	conn, err := connectBus(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", cfg.Bus, err)
	}
	name := cfg.Name
	if name == "" {
		name = defaultBusName
	}

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name %s already taken", name)
	}

	s := &dbusService{
		conn:    conn,
		log:     logger.WithComponent(log, "dbus"),
		devices: make(map[uint32]*exportedDevice),
	}
	if err := s.exportService(); err != nil {
		conn.Close()
		return nil, err
	}
	s.log.Info().Str("name", name).Str("bus", cfg.Bus).Msg("service registered")
	return s, nil
}

func (s *dbusService) exportService() error {
	obj := serviceObject{svc: s}
	if err := s.conn.Export(obj, servicePath, serviceIface); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	props, err := prop.Export(s.conn, servicePath, prop.Map{
		serviceIface: {
			"Connection": {Value: rfkill.StateClosed.String(), Emit: prop.EmitTrue},
		},
	})
	if err != nil {
		return fmt.Errorf("export service properties: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: string(servicePath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       serviceIface,
				Methods:    introspect.Methods(obj),
				Properties: props.Introspection(serviceIface),
				Signals:    []introspect.Signal{{Name: "AdaptersChanged"}},
			},
		},
	}
	return s.conn.Export(introspect.NewIntrospectable(node), servicePath, "org.freedesktop.DBus.Introspectable")
}

func (s *dbusService) adapters() []dbus.ObjectPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dbus.ObjectPath, 0, len(s.order))
	for _, idx := range s.order {
		out = append(out, devicePath(idx))
	}
	return out
}

// devicePlan is what an update means for the exported objects.
type devicePlan struct {
	added   []rfkill.Device
	removed []uint32
	changed []rfkill.Device
}

func (p devicePlan) membershipChanged() bool { return len(p.added) > 0 || len(p.removed) > 0 }

func planDevices(exported map[uint32]*exportedDevice, u rfkill.Update) devicePlan {
	var p devicePlan
	current := make(map[uint32]struct{}, u.Snapshot.Len())
	for _, d := range u.Snapshot.Devices() {
		current[d.Index] = struct{}{}
		prev, ok := exported[d.Index]
		switch {
		case !ok:
			p.added = append(p.added, d)
		case prev.dev.State != d.State:
			p.changed = append(p.changed, d)
		}
	}
	for idx := range exported {
		if _, ok := current[idx]; !ok {
			p.removed = append(p.removed, idx)
		}
	}
	slices.Sort(p.removed)
	return p
}

func (s *dbusService) applyUpdate(u rfkill.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn := u.State.String(); s.props.GetMust(serviceIface, "Connection") != conn {
		s.props.SetMust(serviceIface, "Connection", conn)
	}

	plan := planDevices(s.devices, u)
	for _, idx := range plan.removed {
		s.unexportDevice(idx)
	}
	for _, d := range plan.added {
		if err := s.exportDevice(d); err != nil {
			s.log.Error().Err(err).Uint32("index", d.Index).Msg("export device")
		}
	}
	for _, d := range plan.changed {
		s.updateDevice(d)
	}

	if plan.membershipChanged() {
		s.order = s.order[:0]
		for _, d := range u.Snapshot.Devices() {
			if _, ok := s.devices[d.Index]; ok {
				s.order = append(s.order, d.Index)
			}
		}
		if err := s.conn.Emit(servicePath, serviceIface+".AdaptersChanged"); err != nil {
			s.log.Warn().Err(err).Msg("emit AdaptersChanged")
		}
	}
}

func (s *dbusService) exportDevice(d rfkill.Device) error {
	path := devicePath(d.Index)
	if err := s.conn.Export(deviceObject{}, path, deviceIface); err != nil {
		return err
	}
	props, err := prop.Export(s.conn, path, prop.Map{
		deviceIface: {
			"Name":   {Value: d.Name, Emit: prop.EmitConst},
			"Type":   {Value: int32(d.Class), Emit: prop.EmitConst},
			"Active": {Value: d.State == rfkill.StateUnblocked, Emit: prop.EmitTrue},
			"State":  {Value: int32(d.State), Emit: prop.EmitTrue},
		},
	})
	if err != nil {
		s.conn.Export(nil, path, deviceIface)
		return err
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       deviceIface,
				Methods:    introspect.Methods(deviceObject{}),
				Properties: props.Introspection(deviceIface),
				Signals: []introspect.Signal{
					{Name: "StateChanged", Args: []introspect.Arg{{Name: "state", Type: "i"}}},
					{Name: "ActiveChanged", Args: []introspect.Arg{{Name: "active", Type: "b"}}},
				},
			},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}

	s.devices[d.Index] = &exportedDevice{dev: d, props: props}
	s.log.Debug().Uint32("index", d.Index).Str("name", d.Name).Msg("device exported")
	return nil
}

func (s *dbusService) unexportDevice(index uint32) {
	path := devicePath(index)
	s.conn.Export(nil, path, deviceIface)
	s.conn.Export(nil, path, "org.freedesktop.DBus.Properties")
	s.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
	delete(s.devices, index)
	s.log.Debug().Uint32("index", index).Msg("device unexported")
}

func (s *dbusService) updateDevice(d rfkill.Device) {
	e := s.devices[d.Index]
	wasActive := e.dev.State == rfkill.StateUnblocked
	active := d.State == rfkill.StateUnblocked
	e.dev = d

	path := devicePath(d.Index)
	e.props.SetMust(deviceIface, "State", int32(d.State))
	if err := s.conn.Emit(path, deviceIface+".StateChanged", int32(d.State)); err != nil {
		s.log.Warn().Err(err).Uint32("index", d.Index).Msg("emit StateChanged")
	}
	if active != wasActive {
		e.props.SetMust(deviceIface, "Active", active)
		if err := s.conn.Emit(path, deviceIface+".ActiveChanged", active); err != nil {
			s.log.Warn().Err(err).Uint32("index", d.Index).Msg("emit ActiveChanged")
		}
	}
}

func (s *dbusService) close() {
	s.conn.Close()
}
