// Package receipt loads the pre-extracted receipt a host session starts from.
//
// Extraction itself (OCR, model calls) happens elsewhere; this package only
// reads its JSON output, reports problems, and turns it into the initial
// SyncPayload:
//
//	{
//	  "merchant": "Thai Garden",
//	  "lineItems": [
//	    {"name": "Pad thai", "unitPriceCents": 1450, "quantity": 1, "confidence": 0.98}
//	  ],
//	  "people": [{"displayName": "Ana"}]
//	}
package receipt
