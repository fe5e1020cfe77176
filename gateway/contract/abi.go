package contract

// MarketplaceABI はマーケットプレイスコントラクトのABI
const MarketplaceABI = `[
  {
    "inputs": [{"internalType": "uint256", "name": "_productId", "type": "uint256"}],
    "name": "buyProduct",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "_productId", "type": "uint256"}],
    "name": "getProduct",
    "outputs": [
      {"internalType": "address payable", "name": "owner", "type": "address"},
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "string", "name": "image", "type": "string"},
      {"internalType": "string", "name": "description", "type": "string"},
      {"internalType": "uint256", "name": "price", "type": "uint256"},
      {"internalType": "bool", "name": "sold", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getProductIds",
    "outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
