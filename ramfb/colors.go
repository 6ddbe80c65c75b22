package ramfb

// Palette, as XRGB8888 pixel values (0x00RRGGBB).
const (
	Black   uint32 = 0x00111111
	Red     uint32 = 0x00FF9DA4
	Green   uint32 = 0x00D1F1A9
	Yellow  uint32 = 0x00FFEEAC
	Blue    uint32 = 0x00BBDAFF
	Magenta uint32 = 0x00EBBBFF
	Cyan    uint32 = 0x0099FFFF
	White   uint32 = 0x00CCCCCC

	BrightRed    uint32 = 0x00FF7882
	BrightGreen  uint32 = 0x00B8F171
	BrightYellow uint32 = 0x00FFE580
	BrightBlue   uint32 = 0x0080BAFF
	BrightWhite  uint32 = 0x00FFFFFF

	MidnightBlue uint32 = 0x00191B70
)

// Scheme picks the colors used for boot output.
type Scheme struct {
	Background uint32
	Text       uint32
	Accent     uint32
	Error      uint32
	Warning    uint32
	Dimmed     uint32
}

// DefaultScheme is green on midnight blue.
var DefaultScheme = Scheme{
	Background: MidnightBlue,
	Text:       BrightGreen,
	Accent:     BrightBlue,
	Error:      BrightRed,
	Warning:    BrightYellow,
	Dimmed:     White,
}

// ClassicScheme is a plain terminal look.
var ClassicScheme = Scheme{
	Background: Black,
	Text:       Green,
	Accent:     Blue,
	Error:      Red,
	Warning:    Yellow,
	Dimmed:     White,
}
