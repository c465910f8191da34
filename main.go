package main

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
	"github.com/plajjan/vbgp/packet"
)

func main() {
	raw := []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0, 29, // Length
		1,          // Type = Open
		4,          // Version
		0xfc, 0x44, // ASN
		0, 90, // Holdtime
		192, 168, 1, 1, // BGP Identifier
		0, // Opt Parm Len
	}

	buf := bytes.NewBuffer(raw)
	msg, err := packet.Decode(buf)
	if err != nil {
		glog.Exitf("Unable to decode BGP packet: %v", err)
	}

	fmt.Printf("BGP Packet:\n")
	msg.Dump()
}
