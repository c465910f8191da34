package packet

import (
	"fmt"
	"net"

	"github.com/taktv6/tflow2/convert"
)

func (b *BGPMessage) Dump() {
	fmt.Printf("Type: %d Length: %d\n", b.Header.Type, b.Header.Length)
	switch b.Header.Type {
	case OpenMsg:
		o := b.Body.(*BGPOpen)
		fmt.Printf("OPEN Message:\n")
		fmt.Printf("\tVersion: %d\n", o.Version)
		fmt.Printf("\tASN: %d\n", o.AS)
		fmt.Printf("\tHoldTime: %d\n", o.HoldTime)
		fmt.Printf("\tBGP Identifier: %s\n", net.IP(convert.Uint32Byte(uint32(o.BGPIdentifier))))
		for _, c := range o.Capabilities {
			fmt.Printf("\tCapability %d: %v\n", c.Code, c.Value)
		}
	case UpdateMsg:
		u := b.Body.(*BGPUpdate)

		fmt.Printf("UPDATE Message:\n")
		fmt.Printf("Withdrawn routes:\n")
		for _, r := range u.WithdrawnRoutes {
			fmt.Printf("\t%s\n", r.Prefix.String())
		}

		fmt.Printf("Path attributes:\n")
		for _, a := range u.PathAttributes {
			fmt.Printf("\tType:%d\n", a.TypeCode)
			fmt.Printf("\t:%v\n", a.Value)
		}

		fmt.Printf("NLRIs:\n")
		for _, n := range u.NLRI {
			fmt.Printf("\t%s\n", n.Prefix.String())
		}
	case NotificationMsg:
		n := b.Body.(*BGPNotification)
		fmt.Printf("NOTIFICATION Message: %d/%d\n", n.ErrorCode, n.ErrorSubcode)
	}
}
