package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dartworks/mesh-command/pkg/mesh"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	for _, arg := range c.optional {
		fmt.Printf(" [%s]", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	fmt.Printf("\n%s\n", c.help)
	if len(c.args)+len(c.optional) > 0 {
		fmt.Println("Arguments:")
	}
	pad := func(name string) string {
		return strings.Repeat(" ", maxLength-len(name))
	}
	for _, arg := range c.args {
		fmt.Printf("  %s%s %s\n", arg.name, pad(arg.name), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("  %s%s %s (optional)\n", arg.name, pad(arg.name), arg.help)
	}
}

func parseAddressArg(s string) (protocol.Address, error) {
	var raw uint64
	var err error
	if hexDigits, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		raw, err = strconv.ParseUint(hexDigits, 16, 16)
	} else {
		raw, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return protocol.Address{}, fmt.Errorf("%w: invalid address '%s'", ErrCommandLineArgs, s)
	}
	return protocol.ValidateAddress(uint16(raw))
}

func printStatusMessage(status protocol.Message) {
	switch msg := status.(type) {
	case nil:
		fmt.Println("Sent.")
	case protocol.OnOffStatus:
		fmt.Printf("OnOff status: %v\n", msg.On)
	case protocol.LevelStatus:
		fmt.Printf("Level status: %d\n", msg.Value)
	case protocol.SensorStatus:
		fmt.Printf("Sensor status: %02x\n", msg.Data)
	case protocol.Config:
		fmt.Printf("Config status: opcode 0x%02x parameters %02x\n", uint32(msg.Opcode), msg.Parameters)
	default:
		fmt.Printf("Status: %+v\n", msg)
	}
}

var commands = map[string]*Command{
	"scan": {
		help:     "Scan for unprovisioned devices",
		optional: []Argument{{name: "PREFIX", help: "Only list devices whose name starts with PREFIX."}},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			devices, err := provisioner.Scan(ctx, args["PREFIX"], scanTimeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No unprovisioned devices found.")
				return nil
			}
			for _, adv := range devices {
				fmt.Printf("%s  %-20s  %s  %d dBm\n", adv.Address, adv.LocalName, adv.DeviceUUID, adv.RSSI)
			}
			return nil
		},
	},
	"provision": {
		help: "Provision a device found by the last scan",
		args: []Argument{{name: "DEVICE_UUID", help: "Device UUID printed by scan."}},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			deviceUUID, err := uuid.Parse(args["DEVICE_UUID"])
			if err != nil {
				return fmt.Errorf("%w: invalid device UUID", ErrCommandLineArgs)
			}
			adv, ok := provisioner.Discovered(deviceUUID)
			if !ok {
				return fmt.Errorf("device %s not found by the last scan", deviceUUID)
			}
			node, err := provisioner.Provision(ctx, adv)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned %s as %s (%d element(s))\n", node.Name, node.Address, node.Elements)
			return nil
		},
	},
	"provision-all": {
		help: "Provision every device found by the last scan",
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, _ map[string]string) error {
			results := provisioner.ProvisionAll(ctx)
			if len(results) == 0 {
				fmt.Println("No devices to provision. Run scan first.")
				return nil
			}
			failures := 0
			for _, result := range results {
				if result.Err != nil {
					failures++
					fmt.Printf("%s  FAILED: %s\n", result.Device.Address, result.Err)
					continue
				}
				fmt.Printf("%s  %s\n", result.Device.Address, result.Node.Address)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d device(s) failed to provision", failures, len(results))
			}
			return nil
		},
	},
	"nodes": {
		help: "List provisioned nodes",
		handler: func(_ context.Context, provisioner *mesh.Provisioner, _ map[string]string) error {
			nodes := provisioner.Nodes()
			if len(nodes) == 0 {
				fmt.Println("No nodes provisioned.")
				return nil
			}
			for _, node := range nodes {
				fmt.Printf("%s  %-20s  %-12s  %s\n", node.Address, node.Name, node.Connectivity, node.BLEAddress)
			}
			return nil
		},
	},
	"status": {
		help: "Show network status",
		handler: func(_ context.Context, provisioner *mesh.Provisioner, _ map[string]string) error {
			status := provisioner.Status()
			fmt.Printf("Provisioner address: %s\n", status.NetworkAddress)
			fmt.Printf("Nodes:               %d (%d connected)\n", status.NodeCount, status.ConnectedCount)
			fmt.Printf("Next unicast:        0x%04x\n", status.NextUnicast)
			return nil
		},
	},
	"onoff": {
		help: "Set the Generic OnOff state of a node or group",
		args: []Argument{
			{name: "ADDRESS", help: "Unicast or group address, e.g. 0x0002 or 0xc000."},
			{name: "STATE", help: "on|off"},
		},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			destination, err := parseAddressArg(args["ADDRESS"])
			if err != nil {
				return err
			}
			var on bool
			switch strings.ToLower(args["STATE"]) {
			case "on":
				on = true
			case "off":
				on = false
			default:
				return fmt.Errorf("%w: STATE must be on or off", ErrCommandLineArgs)
			}
			status, err := provisioner.SetOnOff(ctx, destination, on, destination.IsUnicast())
			if err != nil {
				return err
			}
			printStatusMessage(status)
			return nil
		},
	},
	"level": {
		help: "Set the Generic Level state of a node or group",
		args: []Argument{
			{name: "ADDRESS", help: "Unicast or group address."},
			{name: "VALUE", help: "Level in [-32768, 32767]."},
		},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			destination, err := parseAddressArg(args["ADDRESS"])
			if err != nil {
				return err
			}
			value, err := strconv.ParseInt(args["VALUE"], 10, 16)
			if err != nil {
				return fmt.Errorf("%w: invalid level '%s'", ErrCommandLineArgs, args["VALUE"])
			}
			status, err := provisioner.SetLevel(ctx, destination, int16(value), destination.IsUnicast())
			if err != nil {
				return err
			}
			printStatusMessage(status)
			return nil
		},
	},
	"sensor": {
		help: "Read sensor data from a node",
		args: []Argument{{name: "ADDRESS", help: "Unicast address of the sensor node."}},
		optional: []Argument{
			{name: "PROPERTY", help: "16-bit property ID; omit to read all properties."},
		},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			destination, err := parseAddressArg(args["ADDRESS"])
			if err != nil {
				return err
			}
			var propertyID *uint16
			if propertyStr, ok := args["PROPERTY"]; ok {
				property, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(propertyStr), "0x"), 16, 16)
				if err != nil {
					return fmt.Errorf("%w: invalid property ID '%s'", ErrCommandLineArgs, propertyStr)
				}
				value := uint16(property)
				propertyID = &value
			}
			status, err := provisioner.GetSensor(ctx, destination, propertyID)
			if err != nil {
				return err
			}
			printStatusMessage(status)
			return nil
		},
	},
	"config": {
		help: "Send a raw Configuration model message",
		args: []Argument{
			{name: "ADDRESS", help: "Unicast address of the target node."},
			{name: "OPCODE", help: "Opcode in hex, e.g. 0x8008."},
		},
		optional: []Argument{{name: "PARAMS", help: "Hex-encoded parameters."}},
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, args map[string]string) error {
			destination, err := parseAddressArg(args["ADDRESS"])
			if err != nil {
				return err
			}
			opcode, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args["OPCODE"]), "0x"), 16, 32)
			if err != nil {
				return fmt.Errorf("%w: invalid opcode '%s'", ErrCommandLineArgs, args["OPCODE"])
			}
			var parameters []byte
			if paramsStr, ok := args["PARAMS"]; ok {
				parameters, err = hex.DecodeString(paramsStr)
				if err != nil {
					return fmt.Errorf("%w: invalid parameters hex", ErrCommandLineArgs)
				}
			}
			status, err := provisioner.SendConfig(ctx, destination, protocol.Opcode(opcode), parameters)
			if err != nil {
				return err
			}
			printStatusMessage(status)
			return nil
		},
	},
	"watch": {
		help: "Print mesh events until interrupted",
		handler: func(ctx context.Context, provisioner *mesh.Provisioner, _ map[string]string) error {
			provisioner.OnEvent(func(event mesh.Event) {
				switch event.Kind {
				case mesh.EventNodeProvisioned:
					fmt.Printf("[%s] provisioned %s\n", time.Now().Format(time.TimeOnly), event.Node.Address)
				case mesh.EventConnectivityChanged:
					fmt.Printf("[%s] %s is now %s\n", time.Now().Format(time.TimeOnly), event.Node.Address, event.Node.Connectivity)
				case mesh.EventMessageReceived:
					fmt.Printf("[%s] message from %s\n", time.Now().Format(time.TimeOnly), event.Source)
				}
			})
			<-ctx.Done()
			return nil
		},
	},
}

func execute(ctx context.Context, provisioner *mesh.Provisioner, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		return ErrCommandLineArgs
	}

	keywords := make(map[string]string)
	for i, argInfo := range info.args {
		keywords[argInfo.name] = args[i+1]
	}
	index := len(info.args) + 1
	for _, argInfo := range info.optional {
		if index >= len(args) {
			break
		}
		keywords[argInfo.name] = args[index]
		index++
	}
	return info.handler(ctx, provisioner, keywords)
}
