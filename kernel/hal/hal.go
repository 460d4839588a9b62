// Package hal probes the simulated board for devices, initializes their
// drivers and wires them into the kernel: the interrupt controller into the
// irq package and the serial port into the console output path.
package hal

import (
	"bytes"
	"sort"

	"cowos/device"
	"cowos/device/plic"
	"cowos/device/uart"
	"cowos/kernel/irq"
	"cowos/kernel/kfmt"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole *uart.UART
	activePLIC    *plic.PLIC

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveConsole returns the serial port used as the console or nil if none
// was detected.
func ActiveConsole() *uart.UART {
	return devices.activeConsole
}

// ActivePLIC returns the interrupt controller or nil if none was detected.
func ActivePLIC() *plic.PLIC {
	return devices.activePLIC
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// Reset forgets every detected device.
func Reset() {
	if devices.activeConsole != nil {
		kfmt.SetOutputSink(nil)
		irq.HandleIRQ(uart.IRQ, nil)
	}
	if devices.activePLIC != nil {
		irq.SetController(nil)
	}
	devices = managedDevices{}
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.Writer()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case *plic.PLIC:
		if devices.activePLIC != nil {
			return
		}

		devices.activePLIC = drvImpl
		irq.SetController(drvImpl)
		if devices.activeConsole != nil {
			linkConsoleToPLIC()
		}
	case *uart.UART:
		if devices.activeConsole != nil {
			return
		}

		devices.activeConsole = drvImpl
		kfmt.SetOutputSink(drvImpl)
		irq.HandleIRQ(uart.IRQ, drvImpl.Intr)
		if devices.activePLIC != nil {
			linkConsoleToPLIC()
		}
	}
}

// linkConsoleToPLIC wires the console interrupt line to the controller.
func linkConsoleToPLIC() {
	devices.activeConsole.AttachTo(devices.activePLIC)
}
