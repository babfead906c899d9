/*
Package cloud defines the Provider interface the director drives and the
factory selecting between its backends: vsphere (govmomi against vCenter),
esx (govmomi against a single host) and dummy (bbolt-backed fake with
in-process agents).

All provider methods are synchronous and context-aware. The factory wraps
every backend with Instrument, which times calls, counts failures and maps
errors to the cloud_error domain error, so providers return plain errors.
*/
package cloud
