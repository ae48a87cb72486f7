//go:build windows

package mcuproto

import (
	"fmt"
	"syscall"
	"unsafe"
)

const (
	genericRead  = 0x80000000
	genericWrite = 0x40000000
	openExisting = 3

	noParity   = 0
	oneStopBit = 0
)

// SerialPort represents a Windows COM port implementing io.ReadWriteCloser,
// suitable as an Opener target for the MCU line (adapted from the teacher's
// dxl/serial_windows.go, retargeted to the MCU protocol's fixed baud).
type SerialPort struct {
	handle syscall.Handle
}

type dcb struct {
	DCBlength  uint32
	BaudRate   uint32
	Flags      uint32
	wReserved  uint16
	XonLim     uint16
	XoffLim    uint16
	ByteSize   byte
	Parity     byte
	StopBits   byte
	XonChar    byte
	XoffChar   byte
	ErrorChar  byte
	EofChar    byte
	EvtChar    byte
	wReserved1 uint16
}

type commTimeouts struct {
	ReadIntervalTimeout         uint32
	ReadTotalTimeoutMultiplier  uint32
	ReadTotalTimeoutConstant    uint32
	WriteTotalTimeoutMultiplier uint32
	WriteTotalTimeoutConstant   uint32
}

var (
	modkernel32         = syscall.NewLazyDLL("kernel32.dll")
	procGetCommState    = modkernel32.NewProc("GetCommState")
	procSetCommState    = modkernel32.NewProc("SetCommState")
	procSetCommTimeouts = modkernel32.NewProc("SetCommTimeouts")
	procSetupComm       = modkernel32.NewProc("SetupComm")
)

// OpenMCUSerial opens portName (e.g. "COM3") at the MCU protocol's fixed
// 115200 8N1 (spec.md §6).
func OpenMCUSerial(portName string) (*SerialPort, error) {
	path, err := syscall.UTF16PtrFromString(`\\.\` + portName)
	if err != nil {
		return nil, err
	}
	handle, err := syscall.CreateFile(path, genericRead|genericWrite, 0, nil, openExisting, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mcuproto: CreateFile(%s): %w", portName, err)
	}
	sp := &SerialPort{handle: handle}
	if err := sp.setParams(); err != nil {
		sp.Close()
		return nil, err
	}
	if err := sp.setTimeouts(); err != nil {
		sp.Close()
		return nil, err
	}
	return sp, nil
}

func (sp *SerialPort) Close() error {
	return syscall.CloseHandle(sp.handle)
}

func (sp *SerialPort) Read(b []byte) (int, error) {
	var n uint32
	err := syscall.ReadFile(sp.handle, b, &n, nil)
	return int(n), err
}

func (sp *SerialPort) Write(b []byte) (int, error) {
	var n uint32
	err := syscall.WriteFile(sp.handle, b, &n, nil)
	return int(n), err
}

func (sp *SerialPort) setParams() error {
	var state dcb
	state.DCBlength = uint32(unsafe.Sizeof(state))

	if r1, _, e1 := procGetCommState.Call(uintptr(sp.handle), uintptr(unsafe.Pointer(&state))); r1 == 0 {
		return fmt.Errorf("mcuproto: GetCommState: %v", e1)
	}

	state.BaudRate = 115200
	state.ByteSize = 8
	state.Parity = noParity
	state.StopBits = oneStopBit
	state.Flags = 1 // fBinary

	if r1, _, e1 := procSetCommState.Call(uintptr(sp.handle), uintptr(unsafe.Pointer(&state))); r1 == 0 {
		return fmt.Errorf("mcuproto: SetCommState: %v", e1)
	}
	procSetupComm.Call(uintptr(sp.handle), 4096, 4096)
	return nil
}

func (sp *SerialPort) setTimeouts() error {
	// Block for up to 5s per Read; SendRequest separately races the read
	// against the caller's context, whose deadline is usually shorter.
	timeouts := commTimeouts{
		ReadTotalTimeoutConstant:    5000,
		WriteTotalTimeoutConstant:   1000,
	}
	if r1, _, e1 := procSetCommTimeouts.Call(uintptr(sp.handle), uintptr(unsafe.Pointer(&timeouts))); r1 == 0 {
		return fmt.Errorf("mcuproto: SetCommTimeouts: %v", e1)
	}
	return nil
}
