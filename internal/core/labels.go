package core

// Labels represents key-value metadata attached by parsers to a transaction record.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelNTPVersion = "ntp.version"
	LabelNTPMode    = "ntp.mode"
	LabelNTPStratum = "ntp.stratum"
	LabelNTPRefID   = "ntp.ref_id" // hex, 0xXXXXXXXX

	LabelDHCPOp          = "dhcp.op"   // "request" / "reply"
	LabelDHCPXid         = "dhcp.xid"  // hex, 0xXXXXXXXX
	LabelDHCPType        = "dhcp.type" // message type name, e.g. "Discover"
	LabelDHCPClientMAC   = "dhcp.client_mac"
	LabelDHCPHostname    = "dhcp.hostname"
	LabelDHCPRequestedIP = "dhcp.requested_ip"
	LabelDHCPAssignedIP  = "dhcp.assigned_ip" // yiaddr of a reply

	LabelIKEVersion      = "ike.version" // "1" or "2"
	LabelIKEExchangeType = "ike.exchange_type"
	LabelIKEInitSPI      = "ike.init_spi"
	LabelIKERespSPI      = "ike.resp_spi"
	LabelIKEMessageID    = "ike.message_id"
	LabelIKEPayloads     = "ike.payloads" // comma-separated payload names
	LabelIKENotify       = "ike.notify"   // comma-separated notify types

	LabelKRB5MsgType   = "krb5.msg_type"
	LabelKRB5CName     = "krb5.cname"
	LabelKRB5Realm     = "krb5.realm"
	LabelKRB5SName     = "krb5.sname"
	LabelKRB5EncType   = "krb5.etype"
	LabelKRB5ErrorCode = "krb5.error_code"

	LabelMQTTType      = "mqtt.type" // comma-separated when a tx holds several messages
	LabelMQTTMessageID = "mqtt.message_id"
	LabelMQTTTopic     = "mqtt.topic"
	LabelMQTTQoS       = "mqtt.qos"
	LabelMQTTVersion   = "mqtt.protocol_version"
)
