package sftpfs

// OpenOption is a flag controlling how a remote file is opened.
type OpenOption string

// The universe of supported open options.  Sparse, Sync and Dsync are
// accepted for compatibility but have no effect over SFTP.
const (
	Read             = OpenOption("READ")
	Write            = OpenOption("WRITE")
	Append           = OpenOption("APPEND")
	TruncateExisting = OpenOption("TRUNCATE_EXISTING")
	Create           = OpenOption("CREATE")
	CreateNew        = OpenOption("CREATE_NEW")
	DeleteOnClose    = OpenOption("DELETE_ON_CLOSE")
	Sparse           = OpenOption("SPARSE")
	Sync             = OpenOption("SYNC")
	Dsync            = OpenOption("DSYNC")
)

// callSite distinguishes the default direction applied when the caller
// supplies none of Read/Write/Append.
type callSite int

const (
	forRead callSite = iota
	forWrite
)

// openOptions is the normalized record derived from a set of OpenOption
// tokens.  The original token list is retained for error reporting.
type openOptions struct {
	read          bool
	write         bool
	append        bool
	truncate      bool
	create        bool
	createNew     bool
	deleteOnClose bool

	options []OpenOption
}

// parseOpenOptions validates an unordered collection of open options and
// normalizes it.  Parsing the same tokens always yields the same record or
// the same error.
func parseOpenOptions(site callSite, options []OpenOption) (*openOptions, error) {
	parsed := &openOptions{options: options}

	for _, option := range options {
		switch option {
		case Read:
			parsed.read = true
		case Write:
			parsed.write = true
		case Append:
			parsed.append = true
		case TruncateExisting:
			parsed.truncate = true
		case Create:
			parsed.create = true
		case CreateNew:
			parsed.createNew = true
		case DeleteOnClose:
			parsed.deleteOnClose = true
		case Sparse, Sync, Dsync:
			// accepted, no SFTP equivalent
		default:
			return nil, &PathError{Op: "open", Path: string(option), Err: ErrUnsupportedOption}
		}
	}

	// default direction depends on the call site
	if !parsed.read && !parsed.write && !parsed.append {
		switch site {
		case forRead:
			parsed.read = true
		case forWrite:
			parsed.write = true
		}
	}

	// append implies write intent
	if parsed.append {
		parsed.write = true
	}

	switch {
	case parsed.read && parsed.append,
		parsed.read && parsed.truncate,
		parsed.append && parsed.truncate:
		return nil, ErrInvalidOptionCombination
	case parsed.createNew && !parsed.write:
		return nil, ErrInvalidOptionCombination
	}

	return parsed, nil
}
