package domain

var Tables = []interface{}{
	&WhatsAppUser{},
	&MonitoredNumber{},
}
