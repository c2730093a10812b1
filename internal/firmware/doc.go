// Package firmware renders per-box firmware sources from templates.
//
// A template is plain text with two marker lines. The line containing
// "//SenseBox ID" is followed by a definition of SENSEBOX_ID, and the line
// containing "//Sensor IDs" by one definition per sensor whose title the
// catalog maps to a macro. Output files are named <boxId>.ino and written
// atomically, so a reader never sees a partial file.
package firmware
