package smtp

// Reply codes this library's server and client state machines emit or
// recognize. Trimmed from RFC 5321/4954's full set to what spec.md §4
// actually names.
const (
	C211SystemStatus = 211
	C214Help         = 214
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed   = 250
	C251WillForward = 251
	C252WithoutVrfy = 252

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452TooManyRcpts   = 452
	C454TempAuthFail   = 454

	C500BadSyntax      = 500
	C501BadParamSyntax = 501
	C502CmdNotImpl     = 502
	C503BadCmdSeq      = 503
	C504ParamNotImpl   = 504
	C530SecurityReq    = 530
	C534AuthMechWeak   = 534
	C535AuthBadCreds   = 535
	C538EncReqForAuth  = 538
	C550MailboxUnavail = 550
	C552MessageSize    = 552
	C553BadMailbox     = 553
	C554NoValidRcpts   = 554
)

// Short enhanced status codes (without the leading major digit's dot), see
// https://www.iana.org/assignments/smtp-enhanced-status-codes/
const (
	SeOther00 = "0.0"

	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1DestValid5          = "1.5" // success responses
	SeAddr1SenderSyntax7       = "1.7"

	SeMailbox2Other0 = "2.0"

	SeSys3Other0        = "3.0"
	SeSys3NotAccepting2 = "3.2"

	SeNet4Other0    = "4.0"
	SeNet4BadConn2  = "4.2"
	SeNet4Name3     = "4.3"
	SeNet4Routing4  = "4.4"
	SeNet4Timeout7  = "4.7"

	SeProto5BadCmdOrSeq1  = "5.1"
	SeProto5Syntax2       = "5.2"
	SeProto5TooManyRcpts3 = "5.3"
	SeProto5BadParams4    = "5.4"

	SeMsg6Other0            = "6.0"
	SeMsg6MediaUnsupported1 = "6.1"

	SePol7Other0          = "7.0"
	SePol7AuthBadCreds8   = "7.8"
	SePol7AuthWeakMech9   = "7.9"
	SePol7EncReqForAuth11 = "7.11"
)
