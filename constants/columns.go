package constants

// Column labels of the input and output tables.
const (
	ColumnSerialNumber = "S. No."
	ColumnProductName  = "Product Name"
	ColumnInputURLs    = "Input Image Urls"
	ColumnOutputURLs   = "Output Image Urls"
)

// FailedLocator stands in for an output image that could not be produced.
const FailedLocator = "processing_failed"

// LocatorSeparator joins locator lists in output tables.
const LocatorSeparator = ", "

// OutputQuality is the JPEG quality used when recompressing images.
const OutputQuality = 50

// OutputHeader returns the header row of a result artifact.
func OutputHeader() []string {
	return []string{ColumnSerialNumber, ColumnProductName, ColumnInputURLs, ColumnOutputURLs}
}
